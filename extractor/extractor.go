// Package extractor walks a page's frames and folds their DOM into a
// bounded, content-addressed state.StructuredState: interactive elements,
// forms, visible errors, and a network activity summary, each capped and
// sorted so two extractions of the same page produce the same state_id.
package extractor

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/netobserve"
	"github.com/evalgo/actiondrive/state"
)

// Bounds caps how much of a page's surface a single extraction captures.
type Bounds struct {
	MaxFrames   int
	MaxElements int
	MaxForms    int
	MaxErrors   int
}

// DefaultBounds mirrors the original ExtractorBounds dataclass defaults.
func DefaultBounds() Bounds {
	return Bounds{MaxFrames: 8, MaxElements: 48, MaxForms: 6, MaxErrors: 12}
}

// Extractor produces StructuredState snapshots of a single page.
type Extractor struct {
	page     driver.Page
	network  *netobserve.Observer
	bounds   Bounds
	filter   guard.PromptInjectionFilter
}

// New builds an Extractor bound to page, folding network's activity into
// each snapshot's network_summary section.
func New(page driver.Page, network *netobserve.Observer, bounds *Bounds) *Extractor {
	b := DefaultBounds()
	if bounds != nil {
		b = *bounds
	}
	return &Extractor{page: page, network: network, bounds: b}
}

// NetworkSequence returns the network observer's current event sequence
// number, to be snapshotted before an action dispatch and passed to
// NetworkSummarySince afterward.
func (e *Extractor) NetworkSequence() int {
	return e.network.Sequence()
}

// NetworkSummarySince returns the network activity summary since seq.
func (e *Extractor) NetworkSummarySince(seq int) state.NetworkSummaryState {
	return e.network.SummarySince(seq)
}

func shortHash(seed string) string {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(seed))
	sum := h.Sum(nil)
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func origin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

func fid(parentFID, frameURL string, index int) string {
	if parentFID == "" {
		parentFID = "root"
	}
	return "f_" + shortHash(parentFID+"|"+frameURL+"|"+strconv.Itoa(index))
}

func (e *Extractor) extractElementsForFrame(ctx context.Context, frame driver.Frame, frameID string) []state.InteractiveElementState {
	handles, err := frame.ExtractElements(ctx, 120)
	if err != nil {
		return nil
	}
	out := make([]state.InteractiveElementState, 0, len(handles))
	for index, h := range handles {
		nameOutcome := e.filter.Sanitize(h.NameShort, 80)
		valueOutcome := e.filter.Sanitize(h.ValueHint, 40)
		seed := frameID + "|" + h.Role + "|" + h.NameShort + "|" + h.ElementType + "|" + strconv.Itoa(index)
		eid := "e_" + shortHash(seed)

		hintSeed := seed
		if len(h.SelectorHints) > 0 {
			hintSeed = strings.Join(h.SelectorHints, "|")
		}
		selectorHintID := "sh_" + shortHash(hintSeed)

		stability := 0.4
		if len(h.SelectorHints) > 0 {
			stability = 0.8
		}

		role := h.Role
		if role == "" {
			role = "unknown"
		}
		elementType := h.ElementType
		if elementType == "" {
			elementType = "unknown"
		}

		out = append(out, state.InteractiveElementState{
			EID:            eid,
			FID:            frameID,
			Role:           truncate(role, 32),
			NameShort:      nameOutcome.Text,
			ElementType:    truncate(elementType, 24),
			Enabled:        h.Enabled,
			Visible:        h.Visible,
			Required:       h.Required,
			Checked:        h.Checked,
			ValueHint:      valueOutcome.Text,
			BBoxNorm:       h.BBoxNorm,
			SelectorHintID: selectorHintID,
			StabilityScore: stability,
			SelectorHints:  h.SelectorHints,
		})
	}
	return out
}

func (e *Extractor) extractFormsForFrame(ctx context.Context, frame driver.Frame, frameID string) []state.FormState {
	handles, err := frame.ExtractForms(ctx, 24)
	if err != nil {
		return nil
	}
	out := make([]state.FormState, 0, len(handles))
	for _, h := range handles {
		formID := "form_" + shortHash(frameID+"|"+h.FormID)
		fieldEIDs := make([]string, 0, len(h.FieldSelectors))
		for _, key := range h.FieldSelectors {
			fieldEIDs = append(fieldEIDs, "e_"+shortHash(frameID+"|"+key))
		}
		var submitEID string
		if h.SubmitSelector != "" {
			submitEID = "e_" + shortHash(frameID+"|"+h.SubmitSelector)
		}
		out = append(out, state.FormState{
			FormID:          formID,
			FID:             frameID,
			FieldEIDs:       fieldEIDs,
			RequiredMissing: h.RequiredMissing,
			SubmitEID:       submitEID,
			ValidationState: h.ValidationState,
		})
	}
	return out
}

func (e *Extractor) extractErrorsForFrame(ctx context.Context, frame driver.Frame, frameID string) []state.VisibleErrorState {
	handles, err := frame.ExtractErrors(ctx, 40)
	if err != nil {
		return nil
	}
	out := make([]state.VisibleErrorState, 0, len(handles))
	for index, h := range handles {
		textOutcome := e.filter.Sanitize(h.Text, 120)
		seed := frameID + "|" + h.Source + "|" + h.Text + "|" + strconv.Itoa(index)
		out = append(out, state.VisibleErrorState{
			EID:    "err_" + shortHash(seed),
			FID:    frameID,
			Text:   textOutcome.Text,
			Source: truncate(h.Source, 16),
		})
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func elementSortKey(e state.InteractiveElementState) string {
	return e.FID + "|" + e.Role + "|" + e.NameShort + "|" + e.EID
}

// Extract walks the page's frames (bounded by e.bounds.MaxFrames) and
// returns a fully populated, content-addressed StructuredState. downloads
// lists artifact ids/paths triggered by the action being extracted around.
func (e *Extractor) Extract(ctx context.Context, prevStateID string, downloads []string) (*state.StructuredState, error) {
	pageReadyRaw, err := e.page.Evaluate(ctx, "(() => document.readyState)()", nil)
	pagePhase := "unknown"
	if err == nil {
		if s, ok := pageReadyRaw.(string); ok {
			pagePhase = s
		}
	}

	frames := e.page.Frames()
	if len(frames) > e.bounds.MaxFrames {
		frames = frames[:e.bounds.MaxFrames]
	}

	var frameStates []state.FrameState
	var elements []state.InteractiveElementState
	var forms []state.FormState
	var errs []state.VisibleErrorState

	for index, frame := range frames {
		frameID := fid("", frame.URL(), index)

		frameElements := e.extractElementsForFrame(ctx, frame, frameID)
		frameForms := e.extractFormsForFrame(ctx, frame, frameID)
		frameErrors := e.extractErrorsForFrame(ctx, frame, frameID)

		frameStates = append(frameStates, state.FrameState{
			FID:    frameID,
			URL:    frame.URL(),
			Origin: origin(frame.URL()),
			Depth:  0,
		})
		elements = append(elements, frameElements...)
		forms = append(forms, frameForms...)
		errs = append(errs, frameErrors...)
	}

	sort.Slice(frameStates, func(i, j int) bool { return frameStates[i].FID < frameStates[j].FID })
	sort.Slice(elements, func(i, j int) bool { return elementSortKey(elements[i]) < elementSortKey(elements[j]) })
	sort.Slice(forms, func(i, j int) bool { return forms[i].FID+forms[i].FormID < forms[j].FID+forms[j].FormID })
	sort.Slice(errs, func(i, j int) bool { return errs[i].FID+errs[i].EID < errs[j].FID+errs[j].EID })

	if len(elements) > e.bounds.MaxElements {
		elements = elements[:e.bounds.MaxElements]
	}
	if len(forms) > e.bounds.MaxForms {
		forms = forms[:e.bounds.MaxForms]
	}
	if len(errs) > e.bounds.MaxErrors {
		errs = errs[:e.bounds.MaxErrors]
	}

	networkSummary := e.network.SummarySince(0)

	sectionHashes := make(map[string]string, 7)
	var hashErr error
	hashInto := func(key string, payload interface{}) {
		if hashErr != nil {
			return
		}
		h, err := state.StableHash(payload)
		if err != nil {
			hashErr = err
			return
		}
		sectionHashes[key] = h
	}
	hashInto("frames", frameStates)
	hashInto("elements", elements)
	hashInto("forms", forms)
	hashInto("errors", errs)
	hashInto("network", networkSummary)
	hashInto("downloads", downloads)
	hashInto("url", e.page.URL())
	if hashErr != nil {
		return nil, hashErr
	}

	stateID, err := state.ComputeStateID(sectionHashes)
	if err != nil {
		return nil, err
	}

	estimatedTokens, err := state.EstimateTokens(map[string]interface{}{
		"frame_summary":        frameStates,
		"interactive_elements": elements,
		"forms":                forms,
		"visible_errors":       errs,
		"network_summary":      networkSummary,
		"downloads":            downloads,
	})
	if err != nil {
		return nil, err
	}

	return &state.StructuredState{
		StateID:             stateID,
		PrevStateID:         prevStateID,
		URL:                 e.page.URL(),
		PagePhase:           pagePhase,
		FrameSummary:        frameStates,
		InteractiveElements: elements,
		Forms:               forms,
		VisibleErrors:       errs,
		NetworkSummary:      networkSummary,
		Downloads:           downloads,
		StateHashes:         sectionHashes,
		BudgetStats: map[string]interface{}{
			"estimated_tokens": estimatedTokens,
			"element_count":    len(elements),
			"frame_count":      len(frameStates),
			"error_count":      len(errs),
		},
	}, nil
}

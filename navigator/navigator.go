// Package navigator resolves an ActionSpec's target into a concrete
// selector bound to a frame, preferring an explicit selector, then an
// eid lookup against the current StructuredState's selector hints or
// role+name fallback, then the first selector candidate.
package navigator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/state"
)

// BoundTarget is the outcome of resolving an ActionSpec against a
// StructuredState.
type BoundTarget struct {
	EID        string
	FID        string
	Selector   string
	Confidence float64
}

// ErrUnableToBind is returned when none of the binding strategies can
// produce a selector.
var ErrUnableToBind = errors.New("unable to bind target selector")

// Navigator resolves BoundTargets for a single page.
type Navigator struct {
	page driver.Page
}

// New builds a Navigator bound to page.
func New(page driver.Page) *Navigator {
	return &Navigator{page: page}
}

func (n *Navigator) frameByFID(st *state.StructuredState, fid string) driver.Frame {
	if fid == "" {
		return n.page.MainFrame()
	}

	var origin string
	for _, f := range st.FrameSummary {
		if f.FID == fid {
			origin = f.Origin
			break
		}
	}
	if origin == "" {
		return n.page.MainFrame()
	}

	for _, frame := range n.page.Frames() {
		if strings.HasPrefix(frame.URL(), origin) {
			return frame
		}
	}
	return n.page.MainFrame()
}

func selectorFromEID(st *state.StructuredState, eid string) (selector, fid string) {
	for _, el := range st.InteractiveElements {
		if el.EID != eid {
			continue
		}
		if len(el.SelectorHints) > 0 {
			return el.SelectorHints[0], el.FID
		}

		role := el.Role
		name := el.NameShort
		if role != "" && name != "" {
			return fmt.Sprintf("role=%s[name=%q]", role, name), el.FID
		}
		if name != "" {
			return fmt.Sprintf("text=%q", name), el.FID
		}
		break
	}
	return "", ""
}

// BindTarget resolves spec into a BoundTarget, or ErrUnableToBind if no
// strategy yields a selector.
func (n *Navigator) BindTarget(spec contract.ActionSpec, st *state.StructuredState) (BoundTarget, error) {
	if spec.Selector != "" {
		return BoundTarget{EID: spec.TargetEID, FID: spec.TargetFID, Selector: spec.Selector, Confidence: 1.0}, nil
	}

	if spec.TargetEID != "" {
		if selector, fid := selectorFromEID(st, spec.TargetEID); selector != "" {
			return BoundTarget{EID: spec.TargetEID, FID: fid, Selector: selector, Confidence: 0.9}, nil
		}
	}

	if len(spec.SelectorCandidates) > 0 {
		return BoundTarget{EID: spec.TargetEID, FID: spec.TargetFID, Selector: spec.SelectorCandidates[0], Confidence: 0.7}, nil
	}

	return BoundTarget{}, ErrUnableToBind
}

// LocatorForTarget resolves a driver.Locator scoped to target's frame.
//
// The docker driver currently models only the main frame, so non-main fids
// fall back to the page-level locator; this mirrors frame_by_fid's own
// fallback-to-main-frame behavior when no matching frame is found.
func (n *Navigator) LocatorForTarget(target BoundTarget, st *state.StructuredState) driver.Locator {
	n.frameByFID(st, target.FID)
	return n.page.Locator(target.Selector)
}

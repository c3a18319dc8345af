package orchestrator

import "github.com/evalgo/actiondrive/contract"

// resultToPayload renders an ActionExecutionResult as the loosely-typed map
// the budget manager trims in place, mirroring the original's
// ActionExecutionResult.to_dict().
func resultToPayload(r *contract.ActionExecutionResult) map[string]interface{} {
	var escalation interface{}
	if r.Escalation != nil {
		escalation = string(*r.Escalation)
	}
	return map[string]interface{}{
		"action_id":           r.ActionID,
		"success":             r.Success,
		"failure_code":        ptrOrNil(r.FailureCode),
		"attempts":            r.Attempts,
		"escalation":          escalation,
		"verification_passed": r.VerificationPassed,
		"pre_state_id":        ptrOrNil(r.PreStateID),
		"post_state_id":       ptrOrNil(r.PostStateID),
		"state_delta":         orEmptyMap(r.StateDelta),
		"network_summary":     orEmptyMap(r.NetworkSummary),
		"telemetry":           orEmptyMap(r.Telemetry),
		"artifacts":           r.Artifacts,
		"metadata":            orEmptyMap(r.Metadata),
	}
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// payloadToResult is the inverse of resultToPayload, mirroring the
// original's ActionExecutionResult.from_dict().
func payloadToResult(payload map[string]interface{}) *contract.ActionExecutionResult {
	r := &contract.ActionExecutionResult{
		ActionID: stringField(payload, "action_id"),
		Attempts: 1,
	}
	if v, ok := payload["success"].(bool); ok {
		r.Success = v
	}
	if v, ok := payload["failure_code"].(string); ok && v != "" {
		r.FailureCode = strPtr(v)
	}
	if v, ok := payload["attempts"].(int); ok {
		r.Attempts = v
	}
	if v, ok := payload["escalation"].(string); ok && v != "" {
		mode := contract.EscalationMode(v)
		r.Escalation = &mode
	}
	if v, ok := payload["verification_passed"].(bool); ok {
		r.VerificationPassed = v
	}
	if v, ok := payload["pre_state_id"].(string); ok && v != "" {
		r.PreStateID = strPtr(v)
	}
	if v, ok := payload["post_state_id"].(string); ok && v != "" {
		r.PostStateID = strPtr(v)
	}
	if v, ok := payload["state_delta"].(map[string]interface{}); ok {
		r.StateDelta = v
	}
	if v, ok := payload["network_summary"].(map[string]interface{}); ok {
		r.NetworkSummary = v
	}
	if v, ok := payload["telemetry"].(map[string]interface{}); ok {
		r.Telemetry = v
	}
	if v, ok := payload["artifacts"].([]map[string]interface{}); ok {
		r.Artifacts = v
	}
	if v, ok := payload["metadata"].(map[string]interface{}); ok {
		r.Metadata = v
	}
	return r
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

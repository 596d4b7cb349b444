package workflow

import "time"

// RetryPolicy governs re-execution of a single node. A disabled or absent
// policy means exactly one attempt with no wait.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
}

// attempts returns how many times the node may be invoked in total.
func (p RetryPolicy) attempts() int {
	if !p.Enabled || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// retryPolicyFor reads the optional retry block from a node's data:
//
//	"retry": {"enabled": true, "maxAttempts": 3, "delayMs": 10}
func retryPolicyFor(node Node) RetryPolicy {
	raw, ok := node.Data["retry"].(map[string]any)
	if !ok {
		return RetryPolicy{}
	}

	policy := RetryPolicy{}
	policy.Enabled, _ = raw["enabled"].(bool)
	if attempts, ok := toFloat64(raw["maxAttempts"]); ok {
		policy.MaxAttempts = int(attempts)
	}
	if delayMs, ok := toFloat64(raw["delayMs"]); ok {
		policy.Delay = time.Duration(delayMs) * time.Millisecond
	}
	return policy
}

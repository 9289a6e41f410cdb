package validation

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Check(expression string) error
}

// ConditionChecker compiles a workflow condition against the given top-level names.
type ConditionChecker interface {
	Check(expression string, names ...string) error
}

// ConditionNames are the namespace roots visible to step rules, transitions
// and approval conditions.
var ConditionNames = []string{"inputs", "steps", "variables", "event"}

package operator

// If returns a when cond holds and b otherwise.
func If[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}

// Result labels the outcome of a call in metrics.
func Result(err error) string {
	if err != nil {
		return "err"
	}
	return "ok"
}

package dispatch

import "strings"

// DefaultErrorMarkers are substrings whose presence in a provider's output
// marks the response as a failure even when the call itself succeeded.
var DefaultErrorMarkers = []string{"Error", "发生错误", "API Key missing"}

// Outcome is the classified result of one provider call: either a success
// carrying output or a retirement carrying the reason.
type Outcome struct {
	Output string
	Reason string
	retire bool
}

// Success returns a successful outcome.
func Success(output string) Outcome { return Outcome{Output: output} }

// Retire returns an outcome that retires the provider.
func Retire(reason string) Outcome { return Outcome{Reason: reason, retire: true} }

// Retired reports whether the outcome retires the provider.
func (o Outcome) Retired() bool { return o.retire }

// Classify turns a raw call result into an Outcome. A call error or an
// output containing any of markers retires the provider.
func Classify(output string, err error, markers []string) Outcome {
	if err != nil {
		return Retire(err.Error())
	}
	if m, ok := HasErrorMarker(output, markers); ok {
		return Retire("output contains error marker " + `"` + m + `": ` + truncate(output, 200))
	}
	return Success(output)
}

// HasErrorMarker returns the first of markers found in output.
func HasErrorMarker(output string, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(output, m) {
			return m, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

package domain

type Verdict string

const (
	VerdictAutoAccept Verdict = "auto_accept"
	VerdictAutoReject Verdict = "auto_reject"
	VerdictLLMAccept  Verdict = "llm_accept"
	VerdictLLMReject  Verdict = "llm_reject"
)

func (v Verdict) Accepted() bool {
	return v == VerdictAutoAccept || v == VerdictLLMAccept
}

// ClassificationDecision is immutable once produced and travels with the
// record it classified.
type ClassificationDecision struct {
	Verdict    Verdict  `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals,omitempty"`
}

// Sector is the per-sector classification configuration, looked up
// dynamically per request from the sector catalog.
type Sector struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	Description      string   `json:"description" yaml:"description"`
	Keywords         []string `json:"keywords" yaml:"keywords"`
	NegativeKeywords []string `json:"negative_keywords" yaml:"negative_keywords"`
	AcceptThreshold  float64  `json:"accept_threshold" yaml:"accept_threshold"`
	RejectThreshold  float64  `json:"reject_threshold" yaml:"reject_threshold"`
}

package dto

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// RepromptResponse reports malformed step input. The offer state did
// not change; the bot re-asks the same question with the reason.
type RepromptResponse struct {
	OK       bool   `json:"ok"`
	Reprompt string `json:"reprompt"`
}

package dto

// Actor identifies the user the bot is acting for. Every mutating
// request carries one; the negotiation service decides whether it is
// that user's turn.
type Actor struct {
	UserID int64 `json:"user_id"`
}

type PartyRequest struct {
	UserID  int64  `json:"user_id"`
	Locale  string `json:"locale"`
	Mention string `json:"mention"`
}

type CreateOfferRequest struct {
	OrderID      string       `json:"order_id"`
	Buy          string       `json:"buy"`
	Sell         string       `json:"sell"`
	Type         string       `json:"type"`
	Price        string       `json:"price"`
	SumCurrency  string       `json:"sum_currency"`
	Initiator    PartyRequest `json:"initiator"`
	Counterparty PartyRequest `json:"counterparty"`
}

// TextInputRequest carries free text the user typed at the current
// negotiation step. The step is resolved from the offer state.
type TextInputRequest struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

type ChooseBankRequest struct {
	UserID int64  `json:"user_id"`
	Bank   string `json:"bank"`
}

package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type AuthResponse struct {
	Token   string `json:"token"`
	Account any    `json:"account"`
}

type BillQuoteResponse struct {
	Partner        string `json:"partner"`
	Platform       string `json:"platform"`
	Sponsor        string `json:"sponsor"`
	Processor      string `json:"processor"`
	Total          string `json:"total"`
	ToPay          string `json:"to_pay"`
	FirstPayment   string `json:"first_payment"`
	SecondPayment  string `json:"second_payment"`
	SponsorPercent string `json:"sponsor_percent"`
}

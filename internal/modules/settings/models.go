package settings

// ConnectionSettings holds the desktop gateway connection parameters for one
// linked account. Read at the start of every gateway refresh cycle; never a
// source of truth for financial data.
type ConnectionSettings struct {
	ID              int64  `json:"id"`
	UserID          int64  `json:"user_id"`
	LinkedAccountID int64  `json:"linked_account_id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ClientID        int    `json:"client_id"`
	UpdatedAt       int64  `json:"updated_at"`
}

package models

// ProxyRecord is one stored proxy row. A single row may carry several
// credential usernames (one per line); each line expands into its own
// egress identity at pool load time.
type ProxyRecord struct {
	ID        int64  `json:"id" db:"id"`
	IP        string `json:"ip" db:"ip"`
	Port      string `json:"port" db:"port"`
	Username  string `json:"username" db:"username"` // possibly multiline
	Password  string `json:"password" db:"password"`
	OwnerUser string `json:"ownerUser" db:"owner_user"`
}

// BlockedIP is an audit row for an egress IP the carrier service blocked
type BlockedIP struct {
	ID         int64  `json:"id" db:"id"`
	IP         string `json:"ip" db:"ip"`
	ProxyID    int64  `json:"proxyId" db:"proxy_id"`
	OwnerUser  string `json:"ownerUser" db:"owner_user"`
	RetryCount int    `json:"retryCount" db:"retry_count"`
}

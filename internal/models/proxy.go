package models

import "time"

type ProxyState string

const (
	ProxyActive      ProxyState = "active"
	ProxyBlacklisted ProxyState = "blacklisted"
)

// ProxyRecord is a candidate egress proxy. Address is host:port.
type ProxyRecord struct {
	Address      string     `json:"address"`
	FailureCount int        `json:"failure_count"`
	State        ProxyState `json:"state"`
	LastTestedAt time.Time  `json:"last_tested_at"`
	Source       string     `json:"source,omitempty"`
}

func NewProxyRecord(address, source string) *ProxyRecord {
	return &ProxyRecord{Address: address, State: ProxyActive, Source: source}
}

func (p *ProxyRecord) Active() bool {
	return p.State == ProxyActive
}

// URL returns the address in the form expected by HTTP transports.
func (p *ProxyRecord) URL() string {
	if p == nil || p.Address == "" {
		return ""
	}
	return "http://" + p.Address
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Credentials) Complete() bool {
	return c != nil && c.Email != "" && c.Password != ""
}

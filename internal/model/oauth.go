package model

// OAuthCode OAuth 授权码，一次性使用
type OAuthCode struct {
	TicketBase
	TicketGrantingTicketID string   `json:"ticketGrantingTicketId"`
	ClientID               string   `json:"clientId"`
	RedirectURI            string   `json:"redirectUri"`
	Scopes                 []string `json:"scopes,omitempty"`
}

func (c *OAuthCode) GetType() string { return TypeOAuthCode }

func (c *OAuthCode) GetGrantingTicketID() string { return c.TicketGrantingTicketID }

// AccessToken OAuth 访问令牌
type AccessToken struct {
	TicketBase
	TicketGrantingTicketID string   `json:"ticketGrantingTicketId"`
	ClientID               string   `json:"clientId"`
	Scopes                 []string `json:"scopes,omitempty"`
	CodeID                 string   `json:"codeId,omitempty"`
}

func (a *AccessToken) GetType() string { return TypeAccessToken }

func (a *AccessToken) GetGrantingTicketID() string { return a.TicketGrantingTicketID }

package core

import "time"

// ConnectionInstance is one live, validated connection. Created on first
// successful validation, mutated only by token refresh, destroyed on
// disconnect. Data holds the credential material the definition's response
// mappings produced (accessToken, refreshToken, expires, ...); Parameters
// holds the user-supplied connection parameters.
type ConnectionInstance struct {
	ID           string         `json:"id"`
	AppID        string         `json:"appId"`
	ConnectionID string         `json:"connectionId"`
	Data         map[string]any `json:"data"`
	Parameters   map[string]any `json:"parameters"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Clone returns a deep-enough copy: Data and Parameters maps are copied so
// a refresh can prepare the next state without mutating the current one.
func (c *ConnectionInstance) Clone() *ConnectionInstance {
	copied := *c
	copied.Data = make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		copied.Data[k] = v
	}
	copied.Parameters = make(map[string]any, len(c.Parameters))
	for k, v := range c.Parameters {
		copied.Parameters[k] = v
	}
	return &copied
}

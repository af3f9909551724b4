package types

// Client is a gateway caller. Secret holds the bcrypt hash when loaded from a store.
type Client struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"-"`
}

package webhook

// Payload is the Cloud API webhook notification envelope, trimmed to the
// fields the engine reads.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Messages         []Message `json:"messages"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Message struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text *Text  `json:"text,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

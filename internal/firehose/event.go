package firehose

import "encoding/json"

// JetstreamEvent represents an event from Jetstream.
type JetstreamEvent struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"` // "commit", "identity", "account"
	Commit *struct {
		Rev        string          `json:"rev"`
		Operation  string          `json:"operation"` // "create", "update", "delete"
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record,omitempty"`
		CID        string          `json:"cid"`
	} `json:"commit,omitempty"`
}

// postRecord is the slice of app.bsky.feed.post the router needs.
type postRecord struct {
	CreatedAt string `json:"createdAt"`
}

// repostRecord is the slice of app.bsky.feed.repost the router needs.
type repostRecord struct {
	CreatedAt string `json:"createdAt"`
	Subject   struct {
		URI string `json:"uri"`
	} `json:"subject"`
}

// optionsUpdate is the out-of-band control message updating the
// remote-side subscription filter on a live connection.
type optionsUpdate struct {
	Type    string               `json:"type"`
	Payload optionsUpdatePayload `json:"payload"`
}

type optionsUpdatePayload struct {
	WantedCollections []string `json:"wantedCollections"`
	WantedDIDs        []string `json:"wantedDids"`
}

// subscribeOptions is encoded into the subscribe URL query string.
// Slice fields become repeated parameters.
type subscribeOptions struct {
	WantedCollections []string `url:"wantedCollections"`
	WantedDIDs        []string `url:"wantedDids"`
	Cursor            int64    `url:"cursor,omitempty"`
	Compress          bool     `url:"compress,omitempty"`
}

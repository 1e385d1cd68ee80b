package models

import (
	"strings"
	"time"
)

type ContactStatus string

const (
	ContactStatusPending   ContactStatus = "pending"
	ContactStatusConfirmed ContactStatus = "confirmed"
)

// Handshake message type tags carried in the decoded plaintext.
const (
	MessageTypeChat           = 0
	MessageTypeKeyExchange    = 10
	MessageTypeKeyExchangeAck = 11
)

type Contact struct {
	ID               int64         `json:"id"`
	PublicKey        string        `json:"public_key"`
	ChildPublicKey   string        `json:"child_public_key"`
	Index            uint32        `json:"index"`
	RouteHint        string        `json:"route_hint"`
	ContactRouteHint string        `json:"contact_route_hint"`
	ContactKey       string        `json:"contact_key"`
	Nickname         string        `json:"nickname"`
	Status           ContactStatus `json:"status"`
	IsOwner          bool          `json:"is_owner"`
	SCID             string        `json:"scid,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (c Contact) IsConfirmed() bool {
	return c.Status == ContactStatusConfirmed
}

type Chat struct {
	ID               int64     `json:"id"`
	ContactID        int64     `json:"contact_id"`
	ContactPublicKey string    `json:"contact_public_key"`
	CreatedAt        time.Time `json:"created_at"`
}

type Message struct {
	ID           int64     `json:"id"`
	UUID         string    `json:"uuid"`
	Index        uint64    `json:"index"`
	ChatID       int64     `json:"chat_id"`
	SenderPubkey string    `json:"sender_pubkey"`
	Content      string    `json:"content"`
	Type         int       `json:"type"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Server is the LSP the account registered with.
type Server struct {
	PublicKey string    `json:"public_key"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
}

// RouteHint joins the LSP public key and short channel id the way peers expect them.
func RouteHint(serverPubkey, scid string) string {
	serverPubkey = strings.TrimSpace(serverPubkey)
	scid = strings.TrimSpace(scid)
	if serverPubkey == "" || scid == "" {
		return ""
	}
	return serverPubkey + "_" + scid
}

type InboundEnvelope struct {
	Topic   string
	Payload []byte
}

type Sender struct {
	Pubkey           string `json:"pubkey"`
	RouteHint        string `json:"routeHint"`
	ContactRouteHint string `json:"contactRouteHint"`
	Alias            string `json:"alias"`
	ContactPubkey    string `json:"contactPubkey"`
}

// HandshakeMessage is the decoded plaintext of a peeled stream/msgs payload.
type HandshakeMessage struct {
	Type    int    `json:"type"`
	Sender  Sender `json:"sender"`
	Content string `json:"content,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Index   uint64 `json:"index,omitempty"`
}

type BrokerState string

const (
	BrokerStateDisconnected BrokerState = "disconnected"
	BrokerStateConnecting   BrokerState = "connecting"
	BrokerStateConnected    BrokerState = "connected"
)

type ConnectionStatus struct {
	State  BrokerState `json:"state"`
	Server Server      `json:"server"`
}

// RegisterResponse is the LSP answer on `<key>/<index>/res/register`.
type RegisterResponse struct {
	SCID         string `json:"scid"`
	ServerPubkey string `json:"server_pubkey"`
}

// SendRequest asks the LSP to forward a sealed onion to dest.
type SendRequest struct {
	Dest  string `json:"dest"`
	Onion string `json:"onion"`
}

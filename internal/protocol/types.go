package protocol

// Version is the only envelope version this gateway speaks.
const Version = 1

type MessageType = string

const (
	TypeHello   MessageType = "HELLO"
	TypeWelcome MessageType = "WELCOME"
	TypeAuth    MessageType = "AUTH"
	TypeAuthOK  MessageType = "AUTH_OK"
	TypeResume  MessageType = "RESUME"
	TypePing    MessageType = "PING"
	TypePong    MessageType = "PONG"
	TypeAck     MessageType = "ACK"

	TypeE2EECaps  MessageType = "E2EE_CAPS"
	TypeE2EEReady MessageType = "E2EE_READY"

	TypeRoomCreate   MessageType = "ROOM_CREATE"
	TypeRoomCreated  MessageType = "ROOM_CREATED"
	TypeRoomJoin     MessageType = "ROOM_JOIN"
	TypeRoomJoinOK   MessageType = "ROOM_JOIN_OK"
	TypeRoomLeave    MessageType = "ROOM_LEAVE"
	TypeRoomSnapshot MessageType = "ROOM_SNAPSHOT"
	TypePeerJoined   MessageType = "PEER_JOINED"
	TypePeerLeft     MessageType = "PEER_LEFT"

	TypeTransportCreate    MessageType = "TRANSPORT_CREATE"
	TypeTransportCreated   MessageType = "TRANSPORT_CREATED"
	TypeTransportConnect   MessageType = "TRANSPORT_CONNECT"
	TypeTransportConnected MessageType = "TRANSPORT_CONNECTED"
	TypeProduce            MessageType = "PRODUCE"
	TypeProduced           MessageType = "PRODUCED"
	TypeNewProducer        MessageType = "NEW_PRODUCER"
	TypeConsume            MessageType = "CONSUME"
	TypeConsumerAdded      MessageType = "CONSUMER_ADDED"

	TypeRekeyBegin  MessageType = "REKEY_BEGIN"
	TypeKeyPackage  MessageType = "KEY_PACKAGE"
	TypeKeyAck      MessageType = "KEY_ACK"
	TypeRekeyCommit MessageType = "REKEY_COMMIT"
	TypeRekeyAbort  MessageType = "REKEY_ABORT"

	TypeJoinTokenIssue MessageType = "JOIN_TOKEN_ISSUE"
	TypeJoinToken      MessageType = "JOIN_TOKEN"
	TypeMailboxSync    MessageType = "MAILBOX_SYNC"
	TypeMailboxAck     MessageType = "MAILBOX_ACK"
)

// PreAuthTypes may be handled before AUTH succeeds.
var PreAuthTypes = map[MessageType]bool{
	TypeHello:  true,
	TypeAuth:   true,
	TypeResume: true,
	TypePing:   true,
}

// KnownTypes lists every client->server type the dispatcher accepts.
var KnownTypes = map[MessageType]bool{
	TypeHello:            true,
	TypeAuth:             true,
	TypeResume:           true,
	TypePing:             true,
	TypeAck:              true,
	TypeE2EECaps:         true,
	TypeE2EEReady:        true,
	TypeRoomCreate:       true,
	TypeRoomJoin:         true,
	TypeRoomLeave:        true,
	TypeTransportCreate:  true,
	TypeTransportConnect: true,
	TypeProduce:          true,
	TypeConsume:          true,
	TypeRekeyBegin:       true,
	TypeKeyPackage:       true,
	TypeKeyAck:           true,
	TypeRekeyCommit:      true,
	TypeRekeyAbort:       true,
	TypeJoinTokenIssue:   true,
	TypeMailboxSync:      true,
	TypeMailboxAck:       true,
}

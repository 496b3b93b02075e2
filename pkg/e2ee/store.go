package e2ee

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Store is the persistence collaborator for session and key-request state.
// It is pure data access: no protocol logic, no network I/O. Implementations
// don't need their own locking for ratchet safety, the machine serializes
// access per peer key before touching any session.
type Store interface {
	// AddSession appends a session to the peer's candidate list. Stored
	// order is significant: decryption tries sessions in exactly this
	// order.
	AddSession(key id.SenderKey, session *OlmSession) error
	// GetSessions returns every stored session for the peer, in stored order.
	GetSessions(key id.SenderKey) ([]*OlmSession, error)
	// GetLatestSession returns the most recently added session, or nil.
	GetLatestSession(key id.SenderKey) (*OlmSession, error)
	// UpdateSession persists a session whose ratchet state advanced.
	UpdateSession(key id.SenderKey, session *OlmSession) error

	PutGroupSession(session *InboundGroupSession) error
	GetGroupSession(roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*InboundGroupSession, error)

	AddOutboundGroupSession(session *OutboundGroupSession) error
	GetOutboundGroupSession(roomID id.RoomID) (*OutboundGroupSession, error)
	RemoveOutboundGroupSession(roomID id.RoomID) error

	PutOutgoingRoomKeyRequest(request *OutgoingRoomKeyRequest) error
	GetOutgoingRoomKeyRequest(roomID id.RoomID, sessionID id.SessionID) (*OutgoingRoomKeyRequest, error)
	GetOutgoingRoomKeyRequestByID(requestID string) (*OutgoingRoomKeyRequest, error)
	RemoveOutgoingRoomKeyRequest(requestID string) error

	// ValidateMessageIndex returns true if the (sender, session, index)
	// triple has not been seen before, or was seen with the same event ID
	// and timestamp. A false return means someone is replaying ciphertext
	// under a different event.
	ValidateMessageIndex(senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error)
}

type groupSessionKey struct {
	RoomID    id.RoomID
	SenderKey id.SenderKey
	SessionID id.SessionID
}

type roomSessionKey struct {
	RoomID    id.RoomID
	SessionID id.SessionID
}

type messageIndexKey struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
	Index     uint
}

type messageIndexValue struct {
	EventID   id.EventID
	Timestamp int64
}

// MemoryStore keeps everything in maps. It's the store used in tests and a
// reasonable default for ephemeral clients; anything that should survive a
// restart needs a persistent implementation of Store instead.
type MemoryStore struct {
	lock sync.RWMutex

	sessions         map[id.SenderKey][]*OlmSession
	groupSessions    map[groupSessionKey]*InboundGroupSession
	outboundSessions map[id.RoomID]*OutboundGroupSession
	keyRequests      map[roomSessionKey]*OutgoingRoomKeyRequest
	keyRequestsByID  map[string]*OutgoingRoomKeyRequest
	messageIndices   map[messageIndexKey]messageIndexValue
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:         make(map[id.SenderKey][]*OlmSession),
		groupSessions:    make(map[groupSessionKey]*InboundGroupSession),
		outboundSessions: make(map[id.RoomID]*OutboundGroupSession),
		keyRequests:      make(map[roomSessionKey]*OutgoingRoomKeyRequest),
		keyRequestsByID:  make(map[string]*OutgoingRoomKeyRequest),
		messageIndices:   make(map[messageIndexKey]messageIndexValue),
	}
}

func (ms *MemoryStore) AddSession(key id.SenderKey, session *OlmSession) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.sessions[key] = append(ms.sessions[key], session)
	return nil
}

func (ms *MemoryStore) GetSessions(key id.SenderKey) ([]*OlmSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	sessions := ms.sessions[key]
	out := make([]*OlmSession, len(sessions))
	copy(out, sessions)
	return out, nil
}

func (ms *MemoryStore) GetLatestSession(key id.SenderKey) (*OlmSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	sessions := ms.sessions[key]
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[len(sessions)-1], nil
}

func (ms *MemoryStore) UpdateSession(id.SenderKey, *OlmSession) error {
	// Sessions are stored by pointer, the advanced ratchet is already here.
	return nil
}

func (ms *MemoryStore) PutGroupSession(session *InboundGroupSession) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	key := groupSessionKey{session.RoomID, session.SenderKey, session.ID()}
	ms.groupSessions[key] = session
	return nil
}

func (ms *MemoryStore) GetGroupSession(roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*InboundGroupSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.groupSessions[groupSessionKey{roomID, senderKey, sessionID}], nil
}

func (ms *MemoryStore) AddOutboundGroupSession(session *OutboundGroupSession) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.outboundSessions[session.RoomID] = session
	return nil
}

func (ms *MemoryStore) GetOutboundGroupSession(roomID id.RoomID) (*OutboundGroupSession, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.outboundSessions[roomID], nil
}

func (ms *MemoryStore) RemoveOutboundGroupSession(roomID id.RoomID) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	delete(ms.outboundSessions, roomID)
	return nil
}

func (ms *MemoryStore) PutOutgoingRoomKeyRequest(request *OutgoingRoomKeyRequest) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.keyRequests[roomSessionKey{request.Body.RoomID, request.Body.SessionID}] = request
	ms.keyRequestsByID[request.RequestID] = request
	return nil
}

func (ms *MemoryStore) GetOutgoingRoomKeyRequest(roomID id.RoomID, sessionID id.SessionID) (*OutgoingRoomKeyRequest, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.keyRequests[roomSessionKey{roomID, sessionID}], nil
}

func (ms *MemoryStore) GetOutgoingRoomKeyRequestByID(requestID string) (*OutgoingRoomKeyRequest, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.keyRequestsByID[requestID], nil
}

func (ms *MemoryStore) RemoveOutgoingRoomKeyRequest(requestID string) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	request, ok := ms.keyRequestsByID[requestID]
	if !ok {
		return nil
	}
	delete(ms.keyRequestsByID, requestID)
	delete(ms.keyRequests, roomSessionKey{request.Body.RoomID, request.Body.SessionID})
	return nil
}

func (ms *MemoryStore) ValidateMessageIndex(senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint, timestamp int64) (bool, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	key := messageIndexKey{senderKey, sessionID, index}
	seen, ok := ms.messageIndices[key]
	if !ok {
		ms.messageIndices[key] = messageIndexValue{eventID, timestamp}
		return true, nil
	}
	return seen.EventID == eventID && seen.Timestamp == timestamp, nil
}

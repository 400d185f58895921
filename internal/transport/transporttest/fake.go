// Package transporttest provides an in-memory homeserver for service tests.
package transporttest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
)

// Delivery is one queued to-device message.
type Delivery struct {
	Sender    domain.UserID
	EventType string
	Payload   json.RawMessage
}

// Server is a fake homeserver shared by every test client. It holds device
// key uploads, one-time key pools, to-device queues and backup versions.
type Server struct {
	mu sync.Mutex

	deviceKeys   map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys
	crossSigning map[domain.UserID]domain.CrossSigningKeys
	oneTimeKeys  map[string][]claimable // keyed user/device
	queues       map[string][]Delivery  // keyed user/device

	versions    map[string]domain.BackupVersion
	blobs       map[string]map[string]domain.BackedUpSession // version -> room|session
	current     string
	nextVersion int
}

type claimable struct {
	id  string
	key string
}

// NewServer builds an empty fake homeserver.
func NewServer() *Server {
	return &Server{
		deviceKeys:   make(map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys),
		crossSigning: make(map[domain.UserID]domain.CrossSigningKeys),
		oneTimeKeys:  make(map[string][]claimable),
		queues:       make(map[string][]Delivery),
		versions:     make(map[string]domain.BackupVersion),
		blobs:        make(map[string]map[string]domain.BackedUpSession),
	}
}

func deviceKey(userID domain.UserID, deviceID domain.DeviceID) string {
	return userID.String() + "/" + deviceID.String()
}

// Client returns a transport bound to the acting user, so deliveries carry a
// sender.
func (s *Server) Client(userID domain.UserID) domain.Transport {
	return &Client{server: s, user: userID}
}

// TakeDeliveries drains the to-device queue of one device.
func (s *Server) TakeDeliveries(userID domain.UserID, deviceID domain.DeviceID) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(userID, deviceID)
	out := s.queues[key]
	delete(s.queues, key)
	return out
}

// RemoveDevice makes a device disappear from future key downloads.
func (s *Server) RemoveDevice(userID domain.UserID, deviceID domain.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deviceKeys[userID], deviceID)
}

// SetDeviceKeys overrides a published key bundle, e.g. to simulate an
// identity key change.
func (s *Server) SetDeviceKeys(keys domain.DeviceKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceKeys[keys.UserID] == nil {
		s.deviceKeys[keys.UserID] = make(map[domain.DeviceID]domain.DeviceKeys)
	}
	s.deviceKeys[keys.UserID][keys.DeviceID] = keys
}

// SetCrossSigning publishes a user's cross-signing keys.
func (s *Server) SetCrossSigning(keys domain.CrossSigningKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crossSigning[keys.UserID] = keys
}

// DropOneTimeKeys empties a device's claimable pool.
func (s *Server) DropOneTimeKeys(userID domain.UserID, deviceID domain.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oneTimeKeys, deviceKey(userID, deviceID))
}

// Client is the per-user view of the fake server.
type Client struct {
	server *Server
	user   domain.UserID
}

var _ domain.Transport = (*Client)(nil)

func (c *Client) ClaimOneTimeKeys(ctx context.Context, claim domain.OneTimeKeyClaim) ([]domain.ClaimedOneTimeKey, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	var out []domain.ClaimedOneTimeKey
	for userID, deviceIDs := range claim {
		for _, deviceID := range deviceIDs {
			key := deviceKey(userID, deviceID)
			pool := c.server.oneTimeKeys[key]
			if len(pool) == 0 {
				continue
			}
			head := pool[0]
			c.server.oneTimeKeys[key] = pool[1:]
			pub, ok := domain.Curve25519FromB64(head.key)
			if !ok {
				continue
			}
			out = append(out, domain.ClaimedOneTimeKey{
				UserID:   userID,
				DeviceID: deviceID,
				KeyID:    head.id,
				Key:      pub,
			})
		}
	}
	return out, nil
}

func (c *Client) UploadDeviceKeys(ctx context.Context, keys domain.DeviceKeys, oneTimeKeys map[string]string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if c.server.deviceKeys[keys.UserID] == nil {
		c.server.deviceKeys[keys.UserID] = make(map[domain.DeviceID]domain.DeviceKeys)
	}
	c.server.deviceKeys[keys.UserID][keys.DeviceID] = keys

	pool := deviceKey(keys.UserID, keys.DeviceID)
	for id, pub := range oneTimeKeys {
		c.server.oneTimeKeys[pool] = append(c.server.oneTimeKeys[pool], claimable{id: id, key: pub})
	}
	return nil
}

func (c *Client) DownloadDeviceKeys(ctx context.Context, userIDs []domain.UserID) (domain.KeyDownloadResponse, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	resp := domain.KeyDownloadResponse{
		DeviceKeys:   make(map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys),
		CrossSigning: make(map[domain.UserID]domain.CrossSigningKeys),
	}
	for _, userID := range userIDs {
		devices := make(map[domain.DeviceID]domain.DeviceKeys)
		for deviceID, keys := range c.server.deviceKeys[userID] {
			devices[deviceID] = keys
		}
		resp.DeviceKeys[userID] = devices
		if csk, ok := c.server.crossSigning[userID]; ok {
			resp.CrossSigning[userID] = csk
		}
	}
	return resp, nil
}

func (c *Client) SendToDevice(ctx context.Context, eventType string, userID domain.UserID, deviceID domain.DeviceID, payload json.RawMessage) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	key := deviceKey(userID, deviceID)
	c.server.queues[key] = append(c.server.queues[key], Delivery{
		Sender:    c.user,
		EventType: eventType,
		Payload:   payload,
	})
	return nil
}

func (c *Client) GetBackupVersion(ctx context.Context, version string) (domain.BackupVersion, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if version == "" {
		version = c.server.current
	}
	v, ok := c.server.versions[version]
	if !ok {
		return domain.BackupVersion{}, errs.Newf(errs.CodeNotFound, "no backup version %q", version)
	}
	v.Count = len(c.server.blobs[version])
	return v, nil
}

func (c *Client) PutBackupVersion(ctx context.Context, version domain.BackupVersion) (string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.server.nextVersion++
	name := strconv.Itoa(c.server.nextVersion)
	version.Version = name
	c.server.versions[name] = version
	c.server.blobs[name] = make(map[string]domain.BackedUpSession)
	c.server.current = name
	return name, nil
}

func (c *Client) UploadRoomKeys(ctx context.Context, version string, batch []domain.BackedUpSession) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	blobs, ok := c.server.blobs[version]
	if !ok {
		return errs.Newf(errs.CodeNotFound, "no backup version %q", version)
	}
	for _, record := range batch {
		blobs[record.RoomID.String()+"|"+record.SessionID.String()] = record
	}
	return nil
}

func (c *Client) GetRoomKeys(ctx context.Context, version string, roomID domain.RoomID, sessionID domain.SessionID) ([]domain.BackedUpSession, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	blobs, ok := c.server.blobs[version]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "no backup version %q", version)
	}
	var out []domain.BackedUpSession
	for _, record := range blobs {
		if roomID != "" && record.RoomID != roomID {
			continue
		}
		if sessionID != "" && record.SessionID != sessionID {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

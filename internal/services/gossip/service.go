// Package gossip exchanges group session keys with other devices when they
// were missed: ours ask for keys we lack, and peers ask us for keys we hold.
package gossip

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/logger"
	"roomcrypt/internal/protocol/megolm"
)

// Config bounds the outgoing request retry schedule and sets the incoming
// sharing policy.
type Config struct {
	// ShareKeysWithOwnDevices answers requests from any of our own devices,
	// verified or not. Off by default: only verified own devices are served
	// automatically.
	ShareKeysWithOwnDevices bool
	// RetryInterval is the base delay between resends of an unanswered
	// request; the actual delay doubles per attempt.
	RetryInterval time.Duration
	// MaxAttempts is the number of sends before a request times out.
	MaxAttempts int
	// PollInterval is how often the retry worker scans for due requests.
	PollInterval time.Duration
}

// Service runs the key-share request state machine in both directions.
type Service struct {
	cfg       Config
	store     domain.Store
	transport domain.Transport
	devices   domain.DeviceDirectory
	trust     domain.TrustEngine
	pairwise  domain.PairwiseManager

	mu        sync.Mutex
	listeners []domain.GossipListener
}

// New constructs a gossip manager and subscribes it to inbound-session
// arrivals so open requests resolve as soon as their key lands.
func New(
	cfg Config,
	store domain.Store,
	notifier domain.Notifier,
	transport domain.Transport,
	devices domain.DeviceDirectory,
	trust domain.TrustEngine,
	pairwise domain.PairwiseManager,
) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		transport: transport,
		devices:   devices,
		trust:     trust,
		pairwise:  pairwise,
	}
	notifier.Subscribe(domain.ChangeInboundSession, s.onInboundSession)
	return s
}

var _ domain.GossipManager = (*Service)(nil)

// AddListener registers an observer for requests that need a user decision.
func (s *Service) AddListener(listener domain.GossipListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveListener unregisters a previously added observer.
func (s *Service) RemoveListener(listener domain.GossipListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Service) notify(fn func(domain.GossipListener)) {
	s.mu.Lock()
	listeners := append([]domain.GossipListener{}, s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// RequestSessionIfMissing asks other devices for a session key we do not
// hold. The call is idempotent: an open request for the same session is
// returned as-is rather than duplicated.
func (s *Service) RequestSessionIfMissing(ctx context.Context, body domain.RoomKeyRequestBody) (domain.RequestID, error) {
	senderKey, ok := domain.Curve25519FromB64(body.SenderKey)
	if !ok {
		return "", errs.New(errs.CodeInvalidArgument, "malformed sender key in key request")
	}

	if _, found, err := s.store.InboundSession(body.RoomID, senderKey, body.SessionID); err != nil {
		return "", err
	} else if found {
		return "", nil
	}

	existing, found, err := s.store.GossipRequestForSession(body.RoomID, senderKey, body.SessionID, true)
	if err != nil {
		return "", err
	}
	if found && !existing.State.Terminal() {
		return existing.RequestID, nil
	}

	account, _, err := s.store.LoadAccount()
	if err != nil {
		return "", err
	}
	now := time.Now().Unix()
	request := domain.GossipRequest{
		RequestID:       domain.RequestID(uuid.NewString()),
		RoomID:          body.RoomID,
		SenderKey:       senderKey,
		SessionID:       body.SessionID,
		Requester:       account.UserID,
		RequesterDevice: account.DeviceID,
		Outgoing:        true,
		State:           domain.RequestUnsent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.SaveGossipRequest(request); err != nil {
		return "", err
	}
	if err := s.sendRequest(ctx, &request); err != nil {
		// The retry worker will pick it up from the Unsent state.
		logger.Warn("initial key request send failed",
			zap.String("request", request.RequestID.String()), zap.Error(err))
	}
	return request.RequestID, nil
}

// sendRequest delivers the request to our own other devices first, then to
// the device that encrypted with the missing session.
func (s *Service) sendRequest(ctx context.Context, request *domain.GossipRequest) error {
	content := domain.RoomKeyRequestContent{
		Action:             "request",
		RequestID:          request.RequestID,
		RequestingDeviceID: request.RequesterDevice,
		Body: &domain.RoomKeyRequestBody{
			Algorithm: domain.AlgorithmMegolm,
			RoomID:    request.RoomID,
			SenderKey: request.SenderKey.B64(),
			SessionID: request.SessionID,
		},
	}
	targets, err := s.requestTargets(ctx, *request)
	if err != nil {
		return err
	}
	if err := s.broadcast(ctx, content, targets); err != nil {
		return err
	}

	request.State = domain.RequestSent
	request.Attempts++
	request.UpdatedAt = time.Now().Unix()
	return s.store.SaveGossipRequest(*request)
}

func (s *Service) requestTargets(ctx context.Context, request domain.GossipRequest) ([]domain.Device, error) {
	account, _, err := s.store.LoadAccount()
	if err != nil {
		return nil, err
	}
	own, err := s.devices.DevicesFor(ctx, account.UserID)
	if err != nil {
		return nil, err
	}
	var targets []domain.Device
	for _, device := range own {
		if device.DeviceID == account.DeviceID || device.Tombstoned {
			continue
		}
		targets = append(targets, device)
	}
	if creator, ok, err := s.devices.DeviceByIdentityKey(request.SenderKey); err != nil {
		return nil, err
	} else if ok && creator.UserID != account.UserID && !creator.Tombstoned {
		targets = append(targets, creator)
	}
	return targets, nil
}

func (s *Service) broadcast(ctx context.Context, content domain.RoomKeyRequestContent, targets []domain.Device) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return err
	}
	var firstErr error
	for _, device := range targets {
		if err := s.transport.SendToDevice(ctx, domain.EventRoomKeyRequest, device.UserID, device.DeviceID, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run drives retries of unanswered requests until the context is cancelled.
// Each pending request is resent with exponentially growing spacing; after
// MaxAttempts sends it is marked timed out.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retryPending(ctx)
		}
	}
}

func (s *Service) retryPending(ctx context.Context) {
	pending, err := s.store.PendingGossipRequests()
	if err != nil {
		logger.Error("loading pending key requests", zap.Error(err))
		return
	}
	now := time.Now()
	for i := range pending {
		request := pending[i]
		if !request.Outgoing {
			continue
		}
		if request.Attempts >= s.cfg.MaxAttempts {
			request.State = domain.RequestTimedOut
			request.UpdatedAt = now.Unix()
			if err := s.store.SaveGossipRequest(request); err != nil {
				logger.Error("marking key request timed out", zap.Error(err))
			}
			logger.Info("key request timed out",
				zap.String("request", request.RequestID.String()),
				zap.String("session", request.SessionID.String()))
			continue
		}
		if request.State == domain.RequestSent && now.Before(s.nextAttemptAt(request)) {
			continue
		}
		if err := s.sendRequest(ctx, &request); err != nil {
			logger.Warn("key request resend failed",
				zap.String("request", request.RequestID.String()), zap.Error(err))
		}
	}
}

func (s *Service) nextAttemptAt(request domain.GossipRequest) time.Time {
	delay := s.cfg.RetryInterval
	for i := 1; i < request.Attempts; i++ {
		delay *= 2
	}
	return time.Unix(request.UpdatedAt, 0).Add(delay)
}

// onInboundSession resolves open outgoing requests whose key just arrived.
func (s *Service) onInboundSession(change domain.Change) {
	// InboundKey is roomID|senderKeyB64|sessionID.
	parts := strings.SplitN(change.Key, "|", 3)
	if len(parts) != 3 {
		return
	}
	senderKey, ok := domain.Curve25519FromB64(parts[1])
	if !ok {
		return
	}
	request, found, err := s.store.GossipRequestForSession(domain.RoomID(parts[0]), senderKey, domain.SessionID(parts[2]), true)
	if err != nil || !found || request.State.Terminal() {
		return
	}
	request.State = domain.RequestAccepted
	request.UpdatedAt = time.Now().Unix()
	if err := s.store.SaveGossipRequest(request); err != nil {
		logger.Error("marking key request accepted", zap.Error(err))
		return
	}
	logger.Debug("key request satisfied",
		zap.String("request", request.RequestID.String()),
		zap.String("session", request.SessionID.String()))
}

// CancelRequest withdraws an outgoing request. Cancelling after the key
// already arrived is a no-op: an accepted request cannot recall the key.
func (s *Service) CancelRequest(ctx context.Context, id domain.RequestID) error {
	request, found, err := s.store.GossipRequest(id)
	if err != nil {
		return err
	}
	if !found {
		return errs.Newf(errs.CodeNotFound, "unknown key request %s", id)
	}
	if !request.Outgoing || request.State.Terminal() {
		return nil
	}

	request.State = domain.RequestCancelled
	request.UpdatedAt = time.Now().Unix()
	if err := s.store.SaveGossipRequest(request); err != nil {
		return err
	}

	content := domain.RoomKeyRequestContent{
		Action:             "request_cancellation",
		RequestID:          request.RequestID,
		RequestingDeviceID: request.RequesterDevice,
	}
	targets, err := s.requestTargets(ctx, request)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, content, targets)
}

// HandleIncomingRequest processes a key request or cancellation from another
// device.
//
// Requests from our own verified devices (or any own device under the
// ShareKeysWithOwnDevices policy) are answered automatically. Requests from
// other users are refused outright; unverified own devices are surfaced to
// listeners and stay open until Accept or Refuse resolves them.
func (s *Service) HandleIncomingRequest(ctx context.Context, sender domain.UserID, content domain.RoomKeyRequestContent) error {
	switch content.Action {
	case "request_cancellation":
		return s.handleCancellation(content)
	case "request":
	default:
		return errs.Newf(errs.CodeBadMessage, "unknown key request action %q", content.Action)
	}
	if content.Body == nil {
		return errs.New(errs.CodeBadMessage, "key request without body")
	}
	senderKey, ok := domain.Curve25519FromB64(content.Body.SenderKey)
	if !ok {
		return errs.New(errs.CodeBadMessage, "malformed sender key in key request")
	}

	// Duplicate requests are idempotent, whether resolved or still
	// awaiting a consent decision.
	if existing, found, err := s.store.GossipRequest(content.RequestID); err != nil {
		return err
	} else if found && !existing.Outgoing {
		return nil
	}

	now := time.Now().Unix()
	request := domain.GossipRequest{
		RequestID:       content.RequestID,
		RoomID:          content.Body.RoomID,
		SenderKey:       senderKey,
		SessionID:       content.Body.SessionID,
		Requester:       sender,
		RequesterDevice: content.RequestingDeviceID,
		Outgoing:        false,
		State:           domain.RequestSent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.SaveGossipRequest(request); err != nil {
		return err
	}

	requester, found, err := s.store.Device(sender, content.RequestingDeviceID)
	if err != nil {
		return err
	}
	if !found {
		if err := s.devices.DownloadKeys(ctx, []domain.UserID{sender}, true); err != nil {
			return err
		}
		requester, found, err = s.store.Device(sender, content.RequestingDeviceID)
		if err != nil || !found {
			return s.refuse(ctx, request, requester, domain.WithheldUnauthorised, "unknown requesting device")
		}
	}

	account, _, err := s.store.LoadAccount()
	if err != nil {
		return err
	}
	if sender != account.UserID {
		// Only the session creator's own devices are served; room members
		// received the key when it was shared.
		return s.refuse(ctx, request, requester, domain.WithheldUnauthorised, "requester is not an own device")
	}
	if !s.cfg.ShareKeysWithOwnDevices && s.trust.DeviceTrust(requester) != domain.TrustVerified {
		// Left open until a listener resolves it with Accept or Refuse.
		s.notify(func(l domain.GossipListener) { l.OnRoomKeyRequest(request) })
		return nil
	}

	return s.Accept(ctx, request.RequestID)
}

func (s *Service) handleCancellation(content domain.RoomKeyRequestContent) error {
	request, found, err := s.store.GossipRequest(content.RequestID)
	if err != nil || !found {
		return err
	}
	if request.Outgoing || request.State.Terminal() {
		return nil
	}
	request.State = domain.RequestCancelled
	request.UpdatedAt = time.Now().Unix()
	if err := s.store.SaveGossipRequest(request); err != nil {
		return err
	}
	s.notify(func(l domain.GossipListener) { l.OnRequestCancelled(request) })
	return nil
}

// Accept shares the requested session with the requesting device and marks
// the request accepted. Listeners call this after a manual consent decision.
func (s *Service) Accept(ctx context.Context, id domain.RequestID) error {
	request, found, err := s.store.GossipRequest(id)
	if err != nil {
		return err
	}
	if !found {
		return errs.Newf(errs.CodeNotFound, "unknown key request %s", id)
	}
	if request.Outgoing {
		return errs.New(errs.CodeInvalidArgument, "cannot accept an outgoing request")
	}
	if request.State.Terminal() {
		return nil
	}

	requester, found, err := s.store.Device(request.Requester, request.RequesterDevice)
	if err != nil {
		return err
	}
	if !found {
		return errs.Newf(errs.CodeNotFound, "unknown device %s/%s", request.Requester, request.RequesterDevice)
	}

	session, found, err := s.store.InboundSession(request.RoomID, request.SenderKey, request.SessionID)
	if err != nil {
		return err
	}
	if !found {
		return s.refuse(ctx, request, requester, domain.WithheldUnavailable, "session not held")
	}

	inbound, err := megolm.Unpickle(session.Pickle)
	if err != nil {
		return errs.Wrap(errs.CodeSessionCorruption, "unpickle inbound group session", err)
	}
	exportedKey, err := inbound.ExportAt(session.FirstKnownIndex)
	if err != nil {
		return err
	}
	forwarded := domain.ForwardedRoomKeyContent{
		Algorithm:            domain.AlgorithmMegolm,
		RoomID:               session.RoomID,
		SenderKey:            session.SenderKey.B64(),
		SessionID:            session.SessionID,
		SessionKey:           exportedKey,
		ChainIndex:           session.FirstKnownIndex,
		ForwardingKeyChain:   session.ForwardingChain,
		SenderClaimedEd25519: session.SenderClaimedEd25519,
	}
	envelope, err := s.pairwise.Encrypt(ctx, requester, domain.EventForwardedRoomKey, forwarded)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := s.transport.SendToDevice(ctx, domain.EventEncrypted, requester.UserID, requester.DeviceID, payload); err != nil {
		return err
	}

	request.State = domain.RequestAccepted
	request.UpdatedAt = time.Now().Unix()
	if err := s.store.SaveGossipRequest(request); err != nil {
		return err
	}
	logger.Info("forwarded session key",
		zap.String("request", request.RequestID.String()),
		zap.String("device", requester.Key()),
		zap.String("session", request.SessionID.String()))
	return nil
}

// refuse records and sends an explicit withheld notice, then closes the
// request as rejected.
func (s *Service) refuse(ctx context.Context, request domain.GossipRequest, requester domain.Device, code domain.WithheldCode, reason string) error {
	record := domain.WithheldRecord{
		RoomID:       request.RoomID,
		SessionID:    request.SessionID,
		SenderKey:    request.SenderKey,
		TargetUser:   request.Requester,
		TargetDevice: request.RequesterDevice,
		Code:         code,
		Reason:       reason,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.store.SaveWithheldRecord(record); err != nil {
		return err
	}

	// The notice names the session's creator key, so the requester can match
	// it against the undecryptable events.
	content := domain.RoomKeyWithheldContent{
		Algorithm: domain.AlgorithmMegolm,
		RoomID:    request.RoomID,
		SessionID: request.SessionID,
		SenderKey: request.SenderKey.B64(),
		Code:      code,
		Reason:    reason,
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return err
	}
	if requester.DeviceID != "" {
		if err := s.transport.SendToDevice(ctx, domain.EventRoomKeyWithheld, request.Requester, request.RequesterDevice, payload); err != nil {
			logger.Warn("withheld notice delivery failed",
				zap.String("device", requester.Key()), zap.Error(err))
		}
	}

	request.State = domain.RequestRejected
	request.UpdatedAt = time.Now().Unix()
	return s.store.SaveGossipRequest(request)
}

// Refuse closes an incoming request with a withheld notice. Listeners call
// this after a manual consent decision.
func (s *Service) Refuse(ctx context.Context, id domain.RequestID, code domain.WithheldCode, reason string) error {
	request, found, err := s.store.GossipRequest(id)
	if err != nil {
		return err
	}
	if !found {
		return errs.Newf(errs.CodeNotFound, "unknown key request %s", id)
	}
	if request.Outgoing {
		return errs.New(errs.CodeInvalidArgument, "cannot refuse an outgoing request")
	}
	if request.State.Terminal() {
		return nil
	}
	requester, _, err := s.store.Device(request.Requester, request.RequesterDevice)
	if err != nil {
		return err
	}
	return s.refuse(ctx, request, requester, code, reason)
}

// HandleWithheld records a peer's refusal so later decrypt failures can be
// explained, and closes the matching outgoing request.
func (s *Service) HandleWithheld(ctx context.Context, sender domain.UserID, content domain.RoomKeyWithheldContent) error {
	senderKey, ok := domain.Curve25519FromB64(content.SenderKey)
	if !ok {
		return errs.New(errs.CodeBadMessage, "malformed sender key in withheld notice")
	}
	account, _, err := s.store.LoadAccount()
	if err != nil {
		return err
	}
	record := domain.WithheldRecord{
		RoomID:       content.RoomID,
		SessionID:    content.SessionID,
		SenderKey:    senderKey,
		TargetUser:   account.UserID,
		TargetDevice: account.DeviceID,
		Code:         content.Code,
		Reason:       content.Reason,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.store.SaveWithheldRecord(record); err != nil {
		return err
	}

	request, found, err := s.store.GossipRequestForSession(content.RoomID, senderKey, content.SessionID, true)
	if err != nil || !found || request.State.Terminal() {
		return err
	}
	request.State = domain.RequestRejected
	request.UpdatedAt = time.Now().Unix()
	return s.store.SaveGossipRequest(request)
}

package engine

import (
	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/protocol/megolm"
)

// exportSession flattens a stored inbound session into its portable form,
// keyed from its earliest known index.
func exportSession(session domain.InboundGroupSession) (domain.ExportedSession, error) {
	inbound, err := megolm.Unpickle(session.Pickle)
	if err != nil {
		return domain.ExportedSession{}, errs.Wrap(errs.CodeSessionCorruption,
			"unpickle inbound group session", err)
	}
	key, err := inbound.ExportAt(session.FirstKnownIndex)
	if err != nil {
		return domain.ExportedSession{}, err
	}
	return domain.ExportedSession{
		Algorithm:            domain.AlgorithmMegolm,
		RoomID:               session.RoomID,
		SenderKey:            session.SenderKey.B64(),
		SessionID:            session.SessionID,
		SessionKey:           key,
		FirstKnownIndex:      session.FirstKnownIndex,
		ForwardingKeyChain:   session.ForwardingChain,
		SenderClaimedEd25519: session.SenderClaimedEd25519,
	}, nil
}

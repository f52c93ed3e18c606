package services

import (
	"meshcam/internal/core/codec"
	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	apperrors "meshcam/pkg/errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Broadcaster fans records out to every connected peer. A failed write to
// one peer never stops delivery to the others.
type Broadcaster struct {
	peers   ports.PeerSet
	logger  *zap.SugaredLogger
	metrics ports.RelayMetrics
}

func NewBroadcaster(peers ports.PeerSet, logger *zap.SugaredLogger, metrics ports.RelayMetrics) *Broadcaster {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Broadcaster{
		peers:   peers,
		logger:  logger,
		metrics: metrics,
	}
}

// Broadcast encodes rec once and writes it to all peers. It returns how many
// peers accepted the write along with the combined write failures.
func (b *Broadcaster) Broadcast(rec domain.Record) (int, error) {
	data, err := codec.Encode(rec)
	if err != nil {
		return 0, err
	}
	return b.BroadcastBytes(data)
}

// BroadcastBytes writes an already encoded record to all peers. Connections
// may retain data, so callers must not modify it afterwards.
func (b *Broadcaster) BroadcastBytes(data []byte) (int, error) {
	var (
		delivered int
		errs      error
	)
	for _, conn := range b.peers.Connections() {
		if err := b.write(conn, data); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errs
}

// SendTo writes rec to a single connection.
func (b *Broadcaster) SendTo(conn ports.Conn, rec domain.Record) error {
	data, err := codec.Encode(rec)
	if err != nil {
		return err
	}
	return b.write(conn, data)
}

func (b *Broadcaster) write(conn ports.Conn, data []byte) error {
	if err := conn.Write(data); err != nil {
		peer := conn.RemotePeer().Short()
		b.metrics.WriteFailed()
		b.logger.Debugw("write to peer failed", "peer_id", peer, "error", err)
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.NewTransportWriteError(peer, err)
	}
	b.metrics.BytesSent(len(data))
	return nil
}

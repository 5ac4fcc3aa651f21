package server

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/coapnode/protocol"
	"github.com/luma/coapnode/resource"
	"github.com/luma/coapnode/storage"
)

// OnSampleReady records a new reading for the named resource and, when the
// change rule says it moved enough, notifies every observer of it. Observers
// that could not be notified are reported in the returned error, the others
// are notified regardless.
func (s *Server) OnSampleReady(name string, value float64) error {
	sample, err := s.dir.Record(name, value)
	if err != nil {
		return err
	}

	if !sample.Dirty {
		return nil
	}

	s.log.Debug("Reading changed",
		zap.String("resource", name),
		zap.Float64("previous", sample.Previous),
		zap.Float64("value", value),
		zap.Bool("first", sample.First))

	return s.notify(sample)
}

func (s *Server) notify(sample resource.Sample) (err error) {
	for _, reg := range s.observers.Observers(sample.Name) {
		age, ok := s.observers.NextAge(reg.Handle)
		if !ok {
			// removed since we listed it
			continue
		}

		payload, perr := resource.Encode(sample.Kind, sample.Value, reg.Format)
		if perr != nil {
			err = multierr.Append(err, perr)
			continue
		}

		msg := &protocol.Message{
			Type:      protocol.Confirmable,
			Code:      protocol.Content,
			MessageID: s.nextMessageID(),
			Token:     reg.Token,
			Payload:   payload,
		}
		msg.SetObserve(age)
		msg.SetContentFormat(reg.Format)

		data, eerr := protocol.Encode(msg)
		if eerr != nil {
			err = multierr.Append(err, eerr)
			continue
		}

		// Recorded before it is sent so an ACK can never beat its entry
		if _, ierr := s.pending.Insert(data, msg.MessageID, reg.Token, reg.Addr, s.maxRetries); ierr != nil {
			s.log.Warn("Skipping notification",
				zap.String("resource", sample.Name),
				zap.Stringer("addr", reg.Addr),
				zap.Error(ierr))

			err = multierr.Append(err, fmt.Errorf("notify %s at %s: %w", sample.Name, reg.Addr, ierr))
			continue
		}

		if werr := s.write(data, reg.Addr); werr != nil {
			// still pending, the retransmission will try again
			s.log.Warn("Failed to send notification",
				zap.String("resource", sample.Name),
				zap.Stringer("addr", reg.Addr),
				zap.Error(werr))
		}

		s.log.Debug("Notified observer",
			zap.String("resource", sample.Name),
			zap.Stringer("addr", reg.Addr),
			zap.Uint32("age", age),
			zap.Uint16("messageID", msg.MessageID))
	}

	return err
}

// Consume feeds readings from a store's update channel into OnSampleReady
// until ctx is cancelled or the channel is closed.
func (s *Server) Consume(ctx context.Context, updates <-chan *storage.Update) error {
	log := s.log.Named("consume")

	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-updates:
			if !ok {
				log.Info("Update channel closed")
				return nil
			}

			value := gjson.ParseBytes(update.Value)
			if value.Type != gjson.Number {
				log.Warn("Ignoring non numeric reading",
					zap.String("key", update.Key),
					zap.ByteString("value", update.Value))
				continue
			}

			if err := s.OnSampleReady(update.Key, value.Float()); err != nil {
				log.Warn("Failed to publish reading",
					zap.String("key", update.Key),
					zap.Error(err))
			}
		}
	}
}

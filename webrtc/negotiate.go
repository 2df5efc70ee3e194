package webrtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Negotiate runs an offer/answer exchange between two local agents. The
// controlling agent offers. Candidates are not part of the exchange: they
// trickle through the sessions' OnNewCandidate handlers.
func Negotiate(ctx context.Context, a, b *TransportAgent) error {
	if a.controlling == b.controlling {
		return fmt.Errorf("%w: %s and %s are both %s", ErrICERoleConflict, a.name, b.name, roleName(a.controlling))
	}
	offerer, answerer := a, b
	if !offerer.controlling {
		offerer, answerer = b, a
	}

	offererMode, err := offerer.dtlsClientMode()
	if err != nil {
		return err
	}
	answererMode, err := answerer.dtlsClientMode()
	if err != nil {
		return err
	}
	if offererMode == answererMode {
		return fmt.Errorf("%w: %s and %s would both be dtls %s", ErrDTLSRoleConflict, offerer.name, answerer.name, dtlsRole(offererMode))
	}

	if err := offerer.start(webrtc.DTLSRoleAuto); err != nil {
		return fmt.Errorf("start %s: %w", offerer.name, err)
	}
	if err := answerer.start(dtlsRole(answererMode)); err != nil {
		return errors.Join(fmt.Errorf("start %s: %w", answerer.name, err), offerer.abortStart())
	}

	steps := []func() error{
		func() error {
			offer, err := offerer.connection().CreateOffer(nil)
			if err != nil {
				return fmt.Errorf("%s: create offer: %w", offerer.name, err)
			}
			if err := offerer.connection().SetLocalDescription(offer); err != nil {
				return fmt.Errorf("%s: set local offer: %w", offerer.name, err)
			}
			return answerer.setRemoteDescription(offer)
		},
		func() error {
			answer, err := answerer.connection().CreateAnswer(nil)
			if err != nil {
				return fmt.Errorf("%s: create answer: %w", answerer.name, err)
			}
			if err := answerer.connection().SetLocalDescription(answer); err != nil {
				return fmt.Errorf("%s: set local answer: %w", answerer.name, err)
			}
			return offerer.setRemoteDescription(answer)
		},
	}
	for _, step := range steps {
		err := ctx.Err()
		if err == nil {
			err = step()
		}
		if err != nil {
			// Both agents go back to unstarted so they can negotiate again.
			return errors.Join(err, answerer.abortStart(), offerer.abortStart())
		}
	}

	offerer.log.Infof("%s negotiated with %s", offerer.name, answerer.name)
	return nil
}

func dtlsRole(clientMode bool) webrtc.DTLSRole {
	if clientMode {
		return webrtc.DTLSRoleClient
	}
	return webrtc.DTLSRoleServer
}

package uds

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/ecusim/internal/isotp"
)

// DefaultRequestTimeout bounds how long ReadDID waits for an answer.
const DefaultRequestTimeout = 2 * time.Second

var ErrNoResponse = errors.New("uds: no response")

// ReadDataByIdentifierRequest builds [0x22, DID high, DID low].
func ReadDataByIdentifierRequest(did uint16) []byte {
	return []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}
}

// Client is a minimal tester: it sends requests through an ISO-TP transport
// and matches the reassembled responses.
type Client struct {
	tp      *isotp.Transport
	timeout time.Duration

	reqMu     sync.Mutex
	responses chan []byte
}

func NewClient(tp *isotp.Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		tp:        tp,
		timeout:   timeout,
		responses: make(chan []byte, 16),
	}
}

// Start subscribes the client's transport. It must be called before
// ReadDID; the returned channel closes when the transport stops.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	return c.tp.Start(ctx, func(p []byte) {
		select {
		case c.responses <- p:
		default:
			log.Printf("[uds] client backlog full, dropping %d byte response", len(p))
		}
	})
}

// Inject sends a DID read without waiting for the answer.
func (c *Client) Inject(did uint16) error {
	return c.tp.Send(ReadDataByIdentifierRequest(did))
}

// ReadDID reads one data identifier. A 0x7F answer is returned as a
// *NegativeResponseError; "response pending" restarts the wait.
func (c *Client) ReadDID(ctx context.Context, did uint16) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.discardStale()
	if err := c.tp.Send(ReadDataByIdentifierRequest(did)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoResponse
		case resp := <-c.responses:
			data, done, err := matchReadResponse(resp, did)
			if !done {
				if err == nil {
					continue
				}
				// Pending: the ECU asked for more time.
				timer.Reset(c.timeout)
				continue
			}
			return data, err
		}
	}
}

func (c *Client) discardStale() {
	for {
		select {
		case <-c.responses:
		default:
			return
		}
	}
}

var errPending = errors.New("uds: response pending")

// matchReadResponse classifies resp for a pending read of did. done is
// false for unrelated responses (err == nil) and for response-pending
// (err == errPending).
func matchReadResponse(resp []byte, did uint16) (data []byte, done bool, err error) {
	if len(resp) >= 3 && resp[0] == SIDNegativeResponse && resp[1] == SIDReadDataByIdentifier {
		if resp[2] == NRCResponsePending {
			return nil, false, errPending
		}
		return nil, true, &NegativeResponseError{ServiceID: resp[1], NRC: resp[2]}
	}
	if len(resp) >= 3 && resp[0] == SIDReadDataByIdentifier+PositiveOffset &&
		uint16(resp[1])<<8|uint16(resp[2]) == did {
		return resp[3:], true, nil
	}
	return nil, false, nil
}

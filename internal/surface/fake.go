package surface

import (
	"context"
	"sync"
)

// Sent is one message delivered through a Fake.
type Sent struct {
	Phone   string
	Content string
}

// Fake is an in-process Surface for tests and local runs without a device.
// Nil hooks succeed.
type Fake struct {
	SendFunc  func(ctx context.Context, phone, content string) error
	CheckFunc func(ctx context.Context, phone string) (Reachability, error)

	mu   sync.Mutex
	sent []Sent
}

func (f *Fake) Send(ctx context.Context, phone, content string) error {
	if f.SendFunc != nil {
		if err := f.SendFunc(ctx, phone, content); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, Sent{Phone: phone, Content: content})
	f.mu.Unlock()
	return nil
}

func (f *Fake) CheckReachable(ctx context.Context, phone string) (Reachability, error) {
	if f.CheckFunc != nil {
		return f.CheckFunc(ctx, phone)
	}
	return Reachable, nil
}

// Sent returns the messages delivered so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knakk/specs"
)

func TestPortManagerOpenSuccess(t *testing.T) {
	s := specs.New(t)
	a, _ := newPipePortPair()
	m := NewPortManager("fake", func(string) (NinebitPort, error) {
		return a, nil
	})
	s.ExpectNil(m.Open())
	p, err := m.Current()
	s.ExpectNil(err)
	s.Expect(true, p == a)
}

func TestPortManagerReconnectsAfterLoss(t *testing.T) {
	attempt := 0
	opens := make(chan struct{}, 2)
	m := NewPortManager("fake", func(string) (NinebitPort, error) {
		attempt++
		if attempt == 1 {
			opens <- struct{}{}
			a, _ := newPipePortPair()
			return a, nil
		}
		opens <- struct{}{}
		a, _ := newPipePortPair()
		return a, nil
	})
	m.backoff = 10 * time.Millisecond

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-opens

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Monitor(ctx)

	m.ReportLost()
	if _, err := m.Current(); err != errPortUnavailable {
		t.Fatalf("expected port unavailable immediately after loss, got %v", err)
	}

	select {
	case <-opens:
	case <-time.After(time.Second):
		t.Fatalf("monitor did not attempt a reconnect")
	}

	deadline := time.After(time.Second)
	for {
		if _, err := m.Current(); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("port never reconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPortManagerOpenFailureLeavesUnavailable(t *testing.T) {
	s := specs.New(t)
	m := NewPortManager("fake", func(string) (NinebitPort, error) {
		return nil, errors.New("no such device")
	})
	s.Expect(true, m.Open() != nil)
	_, err := m.Current()
	s.Expect(errPortUnavailable, err)
}

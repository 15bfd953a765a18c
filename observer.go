// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Observer receives media of negotiated calls. Events are not buffered, so
// observer subscribed after negotiation misses them.
type Observer interface {
	// OnTrack is called with first remote audio track
	OnTrack(track *webrtc.TrackRemote)
	// OnSender is called with first local audio sender
	OnSender(sender *webrtc.RTPSender)
}

// ObserverFuncs implements Observer with optional funcs
type ObserverFuncs struct {
	Track  func(track *webrtc.TrackRemote)
	Sender func(sender *webrtc.RTPSender)
}

func (o ObserverFuncs) OnTrack(track *webrtc.TrackRemote) {
	if o.Track != nil {
		o.Track(track)
	}
}

func (o ObserverFuncs) OnSender(sender *webrtc.RTPSender) {
	if o.Sender != nil {
		o.Sender(sender)
	}
}

type observerEntry struct {
	id int
	o  Observer
}

// observers notifies in subscription order
type observers struct {
	mu     sync.Mutex
	nextID int
	list   []observerEntry
}

func (s *observers) add(o Observer) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.list = append(s.list, observerEntry{id: id, o: o})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.list {
			if e.id == id {
				s.list = append(s.list[:i:i], s.list[i+1:]...)
				return
			}
		}
	}
}

func (s *observers) snapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Observer, len(s.list))
	for i, e := range s.list {
		list[i] = e.o
	}
	return list
}

func (s *observers) emitTrack(track *webrtc.TrackRemote) {
	for _, o := range s.snapshot() {
		o.OnTrack(track)
	}
}

func (s *observers) emitSender(sender *webrtc.RTPSender) {
	for _, o := range s.snapshot() {
		o.OnSender(sender)
	}
}

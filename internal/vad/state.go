package vad

import provider "github.com/MrWong99/parley/pkg/provider/vad"

// State is the per-session detector state. It is attached to the session
// and closed with it.
type State struct {
	model provider.Model

	speaking    bool
	pending     []byte
	main        []byte
	pre         []byte
	preCap      int
	avgEnergy   float64
	seeded      bool
	consecutive int
	silence     int
	window      int64
	lastSpeech  int64
	probs       []float64
}

// appendPre adds a window to the pre-buffer, evicting the oldest bytes
// beyond the cap.
func (s *State) appendPre(b []byte) {
	s.pre = append(s.pre, b...)
	if over := len(s.pre) - s.preCap; over > 0 {
		s.pre = append(s.pre[:0], s.pre[over:]...)
	}
}

func (s *State) drainPre() []byte {
	out := append([]byte(nil), s.pre...)
	s.pre = s.pre[:0]
	return out
}

func (s *State) reset() {
	s.speaking = false
	s.pending = nil
	s.main = nil
	s.pre = nil
	s.avgEnergy = 0
	s.seeded = false
	s.consecutive = 0
	s.silence = 0
	s.window = 0
	s.lastSpeech = 0
	s.probs = nil
	s.model.Reset()
}

// Probabilities returns the most recent window scores, oldest first.
func (s *State) Probabilities() []float64 {
	return append([]float64(nil), s.probs...)
}

// Close releases the speech model.
func (s *State) Close() error {
	return s.model.Close()
}

package conversation

// TrimPolicy bounds a history. Once the history grows past MaxHistory-2
// entries it is collated down to the system message plus the KeepRecent most
// recent messages.
type TrimPolicy struct {
	MaxHistory int
	KeepRecent int
}

// DefaultTrimPolicy keeps maxHistory-3 recent messages.
func DefaultTrimPolicy(maxHistory int) TrimPolicy {
	return TrimPolicy{MaxHistory: maxHistory, KeepRecent: maxHistory - 3}
}

func (p TrimPolicy) threshold() int {
	t := p.MaxHistory - 2
	if t < 1 {
		t = 1
	}
	return t
}

// keep never reaches the threshold, so a collated history is stable.
func (p TrimPolicy) keep() int {
	k := p.KeepRecent
	if k <= 0 {
		k = p.MaxHistory - 3
	}
	if max := p.threshold() - 1; k > max {
		k = max
	}
	if k < 0 {
		k = 0
	}
	return k
}

// Collate returns history trimmed according to p. The system message at
// index 0 is always retained and the oldest non-system messages go first.
func Collate(history []ChatMessage, p TrimPolicy) []ChatMessage {
	if len(history) <= p.threshold() {
		return history
	}

	keep := p.keep()
	out := make([]ChatMessage, 0, keep+1)
	out = append(out, history[0])
	out = append(out, history[len(history)-keep:]...)
	return out
}

// State is the conversation owned by one channel. It is not safe for
// concurrent use; session.Handle serializes access.
type State struct {
	key     Key
	history []ChatMessage
	params  Params
	policy  TrimPolicy
}

// NewState creates a conversation holding only its system message.
func NewState(key Key, systemPrompt string, params Params, policy TrimPolicy) *State {
	return &State{
		key:     key,
		history: []ChatMessage{{Role: RoleSystem, Content: systemPrompt}},
		params:  params,
		policy:  policy,
	}
}

// RestoreState rebuilds a conversation from a persisted history. A history
// that lost its system message gets an empty one put back at index 0.
func RestoreState(key Key, history []ChatMessage, params Params, policy TrimPolicy) *State {
	h := make([]ChatMessage, 0, len(history)+1)
	if len(history) == 0 || history[0].Role != RoleSystem {
		h = append(h, ChatMessage{Role: RoleSystem})
	}
	h = append(h, history...)

	return &State{
		key:     key,
		history: Collate(h, policy),
		params:  params,
		policy:  policy,
	}
}

func (s *State) Key() Key { return s.key }

func (s *State) Len() int { return len(s.history) }

// History returns a copy of the messages, system message first.
func (s *State) History() []ChatMessage {
	return append([]ChatMessage(nil), s.history...)
}

func (s *State) SystemPrompt() string {
	return s.history[0].Content
}

func (s *State) SetSystemPrompt(prompt string) {
	s.history[0] = ChatMessage{Role: RoleSystem, Content: prompt}
}

func (s *State) Params() Params { return s.params }

func (s *State) SetParams(p Params) { s.params = p }

// SetPolicy replaces the trim policy and collates under it.
func (s *State) SetPolicy(p TrimPolicy) {
	s.policy = p
	s.history = Collate(s.history, p)
}

// AppendUser adds a user message and collates.
func (s *State) AppendUser(text string) {
	s.history = append(s.history, ChatMessage{Role: RoleUser, Content: text})
	s.history = Collate(s.history, s.policy)
}

// AppendAssistant records a model reply and collates.
func (s *State) AppendAssistant(content, reasoning string) {
	s.history = append(s.history, ChatMessage{Role: RoleAssistant, Content: content, Reasoning: reasoning})
	s.history = Collate(s.history, s.policy)
}

// Clear drops everything but the system message and reports how many
// messages were removed.
func (s *State) Clear() int {
	removed := len(s.history) - 1
	s.history = s.history[:1:1]
	return removed
}

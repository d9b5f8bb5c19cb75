package keeper

import "sync"

// TokenMap associates HTTP-01 challenge tokens with their key authorization.
// It is shared between the challenge solver and the responder handling
// validation requests.
type TokenMap struct {
	tokens map[string]string
	mutex  sync.RWMutex
}

func NewTokenMap() *TokenMap {
	return &TokenMap{
		tokens: make(map[string]string),
	}
}

func (m *TokenMap) Set(token, keyAuthorization string) {
	m.mutex.Lock()
	m.tokens[token] = keyAuthorization
	m.mutex.Unlock()
}

func (m *TokenMap) Delete(token string) {
	m.mutex.Lock()
	delete(m.tokens, token)
	m.mutex.Unlock()
}

func (m *TokenMap) Get(token string) (string, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keyAuthorization, found := m.tokens[token]
	return keyAuthorization, found
}

func (m *TokenMap) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.tokens)
}

func (m *TokenMap) Tokens() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	tokens := make([]string, 0, len(m.tokens))
	for token := range m.tokens {
		tokens = append(tokens, token)
	}

	return tokens
}

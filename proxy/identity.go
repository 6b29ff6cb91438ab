package proxy

import "sync"

// Identity is opaque pass-through storage for the tenant code and current
// user, consumed by the permission/identity collaborator. The gateway
// never interprets either value.
type Identity struct {
	mu     sync.RWMutex
	tenant string
	user   map[string]any
}

func NewIdentity() *Identity {
	return &Identity{}
}

func (i *Identity) SetTenantCode(code string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tenant = code
}

func (i *Identity) TenantCode() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tenant
}

func (i *Identity) SetCurrentUser(user map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.user = user
}

func (i *Identity) CurrentUser() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.user
}

package providers

import "sync"

// PaymobRegistry keeps one client per tenant so each tenant's auth token is
// cached independently. A client is rebuilt when the tenant's credentials change.
type PaymobRegistry struct {
	opts    PaymobOptions
	mu      sync.Mutex
	clients map[string]*registryEntry
}

type registryEntry struct {
	creds  PaymobCredentials
	client *PaymobClient
}

func CreatePaymobRegistry(opts PaymobOptions) *PaymobRegistry {
	return &PaymobRegistry{
		opts:    opts.withDefaults(),
		clients: make(map[string]*registryEntry),
	}
}

func (r *PaymobRegistry) Client(tenantID string, creds PaymobCredentials) *PaymobClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[tenantID]; ok && entry.creds == creds {
		return entry.client
	}
	client := CreatePaymobClient(creds, r.opts)
	r.clients[tenantID] = &registryEntry{creds: creds, client: client}
	return client
}

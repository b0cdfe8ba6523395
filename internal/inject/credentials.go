package inject

import (
	"context"
	"fmt"

	"ex-kagura/pkg/kagura"
)

// CredentialFeed adapts one credential key to kagura.CredentialFeed.
type CredentialFeed struct {
	subscription *Subscription
}

// CredentialFeed follows the credential published for connector id.
func (i *Injector) CredentialFeed(id kagura.ConnectorID) *CredentialFeed {
	return &CredentialFeed{subscription: i.Subscribe(kagura.CredentialKey(id))}
}

// Next waits for the next credential change. ok is false on withdrawal.
func (f *CredentialFeed) Next(ctx context.Context) (kagura.Credential, bool, error) {
	for {
		value, err := f.subscription.Next(ctx)
		if err != nil {
			return kagura.Credential{}, false, fmt.Errorf("next credential: %w", err)
		}
		if !value.Present {
			return kagura.Credential{}, false, nil
		}
		switch credential := value.Data.(type) {
		case kagura.Credential:
			return credential, true, nil
		case *kagura.Credential:
			if credential != nil {
				return *credential, true, nil
			}
		}
	}
}

// Close stops following the credential.
func (f *CredentialFeed) Close() {
	f.subscription.Close()
}

var _ kagura.CredentialFeed = (*CredentialFeed)(nil)

package sessions

import "context"

// Repository is the capability set the store needs: get, create, and
// update-with-optimistic-check.
type Repository interface {
	// GetLive returns the live session for (orgID, phone), if any.
	GetLive(ctx context.Context, orgID, phone string) (Session, bool, error)
	Get(ctx context.Context, orgID, id string) (Session, error)

	// FindByLastMessage returns the session, live or not, whose last flow run
	// was for the inbound message messageID.
	FindByLastMessage(ctx context.Context, orgID, messageID string) (Session, bool, error)

	// Create returns ErrActiveExists when a live session already exists.
	Create(ctx context.Context, s Session) error

	// Update persists s only if the stored version equals s.Version, and
	// returns the stored row with the bumped version.
	Update(ctx context.Context, s Session) (Session, error)
}

// Package policy holds the ownership checks applied before a sender acts
// on documents or requests.
package policy

import "errors"

var ErrPermissionDenied = errors.New("permission_denied")

// Ownable is implemented by models that belong to a user.
type Ownable interface {
	GetUserID() uint
}

// RequireOwner rejects a non-owner acting on a resource.
func RequireOwner(userID uint, resource Ownable) error {
	if resource.GetUserID() != userID {
		return ErrPermissionDenied
	}
	return nil
}

// RequireOwnerAll checks a batch, failing on the first foreign resource.
func RequireOwnerAll(userID uint, resources []Ownable) error {
	for _, r := range resources {
		if err := RequireOwner(userID, r); err != nil {
			return err
		}
	}
	return nil
}

package chat

import (
	"errors"
	"fmt"

	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/types"
)

// storeError translates a document store failure on a single entity into
// the engine's error kinds.
func storeError(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return types.NewNotFoundError(what, id)
	}
	if types.KindOf(err) != 0 {
		return err
	}
	return fmt.Errorf("%s %q: %w", what, id, err)
}

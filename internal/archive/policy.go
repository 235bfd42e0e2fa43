package archive

import (
	"context"
	"sort"

	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/repomanager"
)

// MembersAndArchivers makes global archivers eligible, plus the project's
// members when IncludeMembers is set. Users without a registered public key
// are left out.
type MembersAndArchivers struct {
	Repos          repomanager.RepositoryManager
	IncludeMembers bool
}

func (p *MembersAndArchivers) EligibleArchivers(ctx context.Context, tx dbx.DBTX, projectID string) ([]*models.UserWithKeys, error) {
	usersRepo := p.Repos.Users(tx)

	archivers, err := usersRepo.ListGlobalArchivers(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.User, len(archivers))
	for _, u := range archivers {
		byID[u.ID] = u
	}

	if p.IncludeMembers {
		memberIDs, err := p.Repos.Projects(tx).ListMembers(ctx, projectID)
		if err != nil {
			return nil, err
		}
		members, err := usersRepo.ListByIDs(ctx, memberIDs)
		if err != nil {
			return nil, err
		}
		for _, u := range members {
			byID[u.ID] = u
		}
	}

	if len(byID) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	keys, err := usersRepo.ListPublicKeys(ctx, ids)
	if err != nil {
		return nil, err
	}
	keysByUser := make(map[string][]*models.UserPublicKey)
	for _, k := range keys {
		keysByUser[k.UserID] = append(keysByUser[k.UserID], k)
	}

	var result []*models.UserWithKeys
	for _, id := range ids {
		if len(keysByUser[id]) == 0 {
			continue
		}
		result = append(result, &models.UserWithKeys{User: *byID[id], PublicKeys: keysByUser[id]})
	}
	return result, nil
}

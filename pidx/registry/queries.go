package registry

import (
	"context"

	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
)

// Page returns one page of a language.
func (r *Registry) Page(ctx context.Context, languageID int, pageID uuid.UUID) (trees.IndexNode, bool, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return trees.IndexNode{}, false, err
	}
	n, ok := idx.Lookup(pageID)
	return n, ok, nil
}

// Children returns the direct children of parentID in the given publish
// state. uuid.Nil lists the top-level pages.
func (r *Registry) Children(ctx context.Context, languageID int, parentID uuid.UUID, state trees.PublishState) ([]trees.IndexNode, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return nil, err
	}
	return idx.Children(parentID, trees.ByPublishState(state, r.now())), nil
}

// ChildrenOfType is Children restricted to one page type.
func (r *Registry) ChildrenOfType(ctx context.Context, languageID int, parentID uuid.UUID, pageTypeID int, state trees.PublishState) ([]trees.IndexNode, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return nil, err
	}
	return idx.Children(parentID, trees.OfPageType(pageTypeID, state, r.now())), nil
}

// ChildrenMatching is Children with a caller supplied filter.
func (r *Registry) ChildrenMatching(ctx context.Context, languageID int, parentID uuid.UUID, filter trees.Filter) ([]trees.IndexNode, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return nil, err
	}
	return idx.Children(parentID, filter), nil
}

// PagePath returns the ids from the top-level ancestor down to pageID.
func (r *Registry) PagePath(ctx context.Context, languageID int, pageID uuid.UUID) ([]uuid.UUID, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return nil, err
	}
	return idx.AncestorPath(pageID), nil
}

// ParentAtLevel returns the ancestor of pageID at level, the top level being 0.
func (r *Registry) ParentAtLevel(ctx context.Context, languageID int, pageID uuid.UUID, level int) (uuid.UUID, bool, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return uuid.Nil, false, err
	}
	id, ok := idx.AncestorAtLevel(pageID, level)
	return id, ok, nil
}

// PageTree returns rootID and its descendants depth first. Pages outside
// state hide their descendants.
func (r *Registry) PageTree(ctx context.Context, languageID int, rootID uuid.UUID, state trees.PublishState) ([]trees.IndexNode, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return nil, err
	}
	return idx.Subtree(rootID, trees.ByPublishState(state, r.now())), nil
}

// PageTreeBetween returns the tree under rootID expanded only along the
// path to leafID.
func (r *Registry) PageTreeBetween(ctx context.Context, languageID int, rootID, leafID uuid.UUID, state trees.PublishState) ([]trees.IndexNode, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return nil, err
	}
	return idx.SubtreeBetween(rootID, leafID, trees.ByPublishState(state, r.now())), nil
}

// URLForPageInstance returns the site-relative URL of a page version,
// "/products/widgets/" style.
func (r *Registry) URLForPageInstance(ctx context.Context, languageID int, pageInstanceID int64) (string, bool, error) {
	idx, err := r.Index(ctx, languageID)
	if err != nil {
		return "", false, err
	}
	n, ok := idx.LookupInstance(pageInstanceID)
	if !ok {
		return "", false, nil
	}
	return "/" + n.PageURL, true, nil
}

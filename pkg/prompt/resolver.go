package prompt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cortexdb/cortex/pkg/store"
)

// ErrHeadNotFound is returned when no prompt node matches (slug, branch).
var ErrHeadNotFound = errors.New("prompt: no head found for slug/branch")

// ErrAmbiguousHead is returned when more than one node in (slug, branch)
// has no incoming supersedes edge from a sibling.
var ErrAmbiguousHead = errors.New("prompt: ambiguous head for slug/branch")

// maxInheritHops bounds the inherits_from walk (spec §4.10: "max 10 hops").
const maxInheritHops = 10

// Resolved is the outcome of resolving a (slug, branch) to its HEAD and
// merging its inheritance chain.
type Resolved struct {
	Head     *store.Node
	Content  PromptContent
	Sections map[string]string
	Skills   []string
}

// Resolver resolves prompt HEADs and inheritance chains against a
// store.Engine.
type Resolver struct {
	store *store.Engine
}

// NewResolver returns a Resolver bound to s.
func NewResolver(s *store.Engine) *Resolver {
	return &Resolver{store: s}
}

// Head finds the unique prompt node for (slug, branch) with no incoming
// supersedes edge from a sibling node in the same (slug, branch) set
// (spec §4.10's "HEAD resolution").
func (r *Resolver) Head(slug, branch string) (*store.Node, error) {
	siblings, err := r.siblings(slug, branch)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 {
		return nil, ErrHeadNotFound
	}

	siblingSet := make(map[store.NodeID]bool, len(siblings))
	for _, n := range siblings {
		siblingSet[n.ID] = true
	}

	superseded := map[store.NodeID]bool{}
	for _, n := range siblings {
		edges, err := r.store.EdgesFrom(n.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.Relation == RelationSupersedes && siblingSet[e.To] {
				superseded[e.To] = true
			}
		}
	}

	var heads []*store.Node
	for _, n := range siblings {
		if !superseded[n.ID] {
			heads = append(heads, n)
		}
	}

	switch len(heads) {
	case 0:
		return nil, ErrHeadNotFound
	case 1:
		return heads[0], nil
	default:
		return nil, ErrAmbiguousHead
	}
}

func (r *Resolver) siblings(slug, branch string) ([]*store.Node, error) {
	candidates, err := r.store.ListNodes(store.NodeFilter{Kind: KindPrompt, Limit: 0})
	if err != nil {
		return nil, err
	}
	var out []*store.Node
	for _, n := range candidates {
		if n.Metadata["prompt_slug"] == slug && n.Metadata["prompt_branch"] == branch {
			out = append(out, n)
		}
	}
	return out, nil
}

// Resolve resolves (slug, branch) to its HEAD, then walks the
// inherits_from chain upward (root first), merging sections: root's
// base, each descendant overriding, HEAD's own sections applied last,
// HEAD's override_sections applied last of all. Skills are the slugs of
// every node pointing into HEAD via a used_by edge (spec §4.10).
func (r *Resolver) Resolve(slug, branch string) (*Resolved, error) {
	head, err := r.Head(slug, branch)
	if err != nil {
		return nil, err
	}

	chain, err := r.ancestorChain(head)
	if err != nil {
		return nil, err
	}

	merged := map[string]string{}
	for _, n := range chain {
		content, err := decodeContent(n)
		if err != nil {
			return nil, err
		}
		for k, v := range content.Sections {
			merged[k] = v
		}
	}

	headContent, err := decodeContent(head)
	if err != nil {
		return nil, err
	}
	for k, v := range headContent.OverrideSections {
		merged[k] = v
	}

	skills, err := r.skills(head.ID)
	if err != nil {
		return nil, err
	}

	return &Resolved{Head: head, Content: headContent, Sections: merged, Skills: skills}, nil
}

// ancestorChain walks inherits_from from head upward, then returns the
// chain root-first, head last, so callers can merge in application
// order. head itself is included as the last element.
func (r *Resolver) ancestorChain(head *store.Node) ([]*store.Node, error) {
	chain := []*store.Node{head}
	visited := map[store.NodeID]bool{head.ID: true}

	current := head
	for hop := 0; hop < maxInheritHops; hop++ {
		edges, err := r.store.EdgesFrom(current.ID)
		if err != nil {
			return nil, err
		}

		var parentID store.NodeID
		found := false
		for _, e := range edges {
			if e.Relation == RelationInheritsFrom {
				parentID = e.To
				found = true
				break
			}
		}
		if !found {
			break
		}
		if visited[parentID] {
			break
		}

		parent, err := r.store.GetNode(parentID)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				break
			}
			return nil, err
		}

		chain = append(chain, parent)
		visited[parentID] = true
		current = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (r *Resolver) skills(headID store.NodeID) ([]string, error) {
	edges, err := r.store.EdgesTo(headID)
	if err != nil {
		return nil, err
	}
	var skills []string
	for _, e := range edges {
		if e.Relation != RelationUsedBy {
			continue
		}
		n, err := r.store.GetNode(e.From)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		if slug, ok := n.Metadata["prompt_slug"].(string); ok {
			skills = append(skills, slug)
		}
	}
	return skills, nil
}

func decodeContent(n *store.Node) (PromptContent, error) {
	var c PromptContent
	if n.Body == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(n.Body), &c); err != nil {
		return c, fmt.Errorf("prompt: decoding content for node %s: %w", n.ID, err)
	}
	return c, nil
}

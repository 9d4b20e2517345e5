package rtdb

import (
	"context"

	"firebase.google.com/go/v4/db"
)

type child struct {
	key   string
	value any
}

// backend is the REST surface of the database the client needs.
type backend interface {
	get(ctx context.Context, path string, v *any) error
	// getIfChanged reads path unless its etag still matches.
	getIfChanged(ctx context.Context, path, etag string, v *any) (bool, string, error)
	set(ctx context.Context, path string, v any) error
	update(ctx context.Context, values map[string]any) error
	push(ctx context.Context, path string, v any) (string, error)
	// lastN returns the n children of path with the greatest keys, in key order.
	lastN(ctx context.Context, path string, n int) ([]child, error)
}

type firebaseBackend struct {
	client *db.Client
}

func (f firebaseBackend) get(ctx context.Context, path string, v *any) error {
	return f.client.NewRef(path).Get(ctx, v)
}

func (f firebaseBackend) getIfChanged(ctx context.Context, path, etag string, v *any) (bool, string, error) {
	ref := f.client.NewRef(path)
	if etag == "" {
		etag, err := ref.GetWithETag(ctx, v)
		return err == nil, etag, err
	}
	return ref.GetIfChanged(ctx, etag, v)
}

func (f firebaseBackend) set(ctx context.Context, path string, v any) error {
	ref := f.client.NewRef(path)
	if v == nil {
		return ref.Delete(ctx)
	}
	return ref.Set(ctx, v)
}

func (f firebaseBackend) update(ctx context.Context, values map[string]any) error {
	return f.client.NewRef("/").Update(ctx, values)
}

func (f firebaseBackend) push(ctx context.Context, path string, v any) (string, error) {
	ref, err := f.client.NewRef(path).Push(ctx, v)
	if err != nil {
		return "", err
	}
	return ref.Key, nil
}

func (f firebaseBackend) lastN(ctx context.Context, path string, n int) ([]child, error) {
	nodes, err := f.client.NewRef(path).OrderByKey().LimitToLast(n).GetOrdered(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]child, 0, len(nodes))
	for _, node := range nodes {
		var v any
		if err := node.Unmarshal(&v); err != nil {
			return nil, err
		}
		out = append(out, child{key: node.Key(), value: v})
	}
	return out, nil
}

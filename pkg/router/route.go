package router

// ShardID identifies one backend shard.
type ShardID string

// Router decides which shards a statement touches. Shard-key extraction is
// deployment-specific; the session core only consumes the decision.
type Router interface {
	Route(stmt Statement) ([]ShardID, error)
}

// StaticRouter always routes to the same fixed set of shards. It is the
// degenerate router used when every statement must fan out everywhere, and
// the router of choice in tests.
type StaticRouter struct {
	Shards []ShardID
}

var _ Router = StaticRouter{}

func (r StaticRouter) Route(Statement) ([]ShardID, error) {
	return r.Shards, nil
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(stmt Statement) ([]ShardID, error)

func (f RouterFunc) Route(stmt Statement) ([]ShardID, error) {
	return f(stmt)
}

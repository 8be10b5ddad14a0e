package resolver

// ArtifactsKey is the reserved context entry holding chain artifacts.
const ArtifactsKey = "_artifacts"

// Context maps job names to their results, remembering insertion order so
// the semantic keywords can walk it most-recent-first.
type Context struct {
	names   []string
	results map[string]any
}

func NewContext() *Context {
	return &Context{results: map[string]any{}}
}

// Set records a result as the most recent one. Re-setting a name moves it
// to the end.
func (c *Context) Set(name string, result any) {
	if _, ok := c.results[name]; ok {
		for i, n := range c.names {
			if n == name {
				c.names = append(c.names[:i], c.names[i+1:]...)
				break
			}
		}
	}
	c.names = append(c.names, name)
	c.results[name] = result
}

func (c *Context) Get(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.results[name]
	return v, ok
}

// Names returns job names in insertion order.
func (c *Context) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

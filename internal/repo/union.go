package repo

// Union is the precedence union over every stage loaded across all
// repositories (spec §4.2 step 3): an explicit MultiDict-like
// structure whose Get returns the last-loaded value and whose All
// returns the full ordered multiset, each item carrying a back-pointer
// to its owning repository.
type Union struct {
	order []string
	items map[string][]*StageBlock

	Meta     map[string]*RepoMeta // keyed by repo ID
	Aliases  map[string]map[string]string
	StageOrd []StageOrderEntry
}

func newUnion() *Union {
	return &Union{
		items:   map[string][]*StageBlock{},
		Meta:    map[string]*RepoMeta{},
		Aliases: map[string]map[string]string{},
	}
}

// put appends item under key, preserving load order (last-loaded wins
// at Get time, so later calls for the same key simply append).
func (u *Union) put(key string, item *StageBlock) {
	if _, seen := u.items[key]; !seen {
		u.order = append(u.order, key)
	}
	u.items[key] = append(u.items[key], item)
}

// Get returns the last-loaded stage for key, or nil if absent.
func (u *Union) Get(key string) *StageBlock {
	items := u.items[key]
	if len(items) == 0 {
		return nil
	}
	return items[len(items)-1]
}

// All returns the ordered multiset of every occurrence of key.
func (u *Union) All(key string) []*StageBlock {
	return u.items[key]
}

// Keys returns every distinct stage name in load order.
func (u *Union) Keys() []string {
	return append([]string(nil), u.order...)
}

// Resolved returns the winning stage for every distinct key, in load
// order, the view the Stage/Recipe model (C5) consumes.
func (u *Union) Resolved() []*StageBlock {
	out := make([]*StageBlock, 0, len(u.order))
	for _, key := range u.order {
		out = append(out, u.Get(key))
	}
	return out
}

func mergeAliases(aliases map[string]map[string]string, dim string, m map[string]string) {
	dst, ok := aliases[dim]
	if !ok {
		dst = map[string]string{}
		aliases[dim] = dst
	}
	for k, v := range m {
		dst[k] = v
	}
}

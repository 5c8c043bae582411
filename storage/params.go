package storage

// ParamStore adapts a Database into the keyed parameter backend consumed by
// the settings store. Every parameter lives under a fixed prefix so the same
// database can host other record families.
type ParamStore struct {
	db     Database
	prefix string
}

// NewParamStore wraps the database. An empty prefix defaults to "params/".
func NewParamStore(db Database, prefix string) *ParamStore {
	if prefix == "" {
		prefix = "params/"
	}
	return &ParamStore{db: db, prefix: prefix}
}

func (p *ParamStore) key(name string) []byte {
	return []byte(p.prefix + name)
}

// ParamSet stores the encoded parameter value.
func (p *ParamStore) ParamSet(name string, value []byte) error {
	return p.db.Put(p.key(name), value)
}

// ParamGet loads the encoded parameter value, reporting whether it exists.
func (p *ParamStore) ParamGet(name string) ([]byte, bool, error) {
	return p.db.Get(p.key(name))
}

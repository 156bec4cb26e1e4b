package schema

// Parser turns raw DDL text into catalog mutations. The SQL grammar lives
// behind this interface; the pipeline only applies whatever mutations come
// back. The current catalog is passed so a parser can resolve unqualified
// names or look up existing definitions.
type Parser interface {
	Parse(ddl string, defaultDatabase string, catalog *Catalog) ([]Mutation, error)
}

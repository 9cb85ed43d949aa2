// Package textutil holds the text helpers shared by ingest, the router and
// the CLI.
//
// NormalizeContent cleans feedback before it is stored and Truncate shortens
// text for prompts and tables. Terms and TermVector give a cheap lexical
// view of a message that the router uses to count topic shifts without an
// embedding call.
package textutil

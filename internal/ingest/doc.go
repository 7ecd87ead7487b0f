// Package ingest turns text commands into requests for an engine.Server.
//
// The command language is line oriented:
//
//	CHECK <account>
//	TRANS <account> <delta> [<account> <delta> ...]
//	END
//
// Lines are NFKC-normalised before tokenising, so full-width digits and
// compatibility spaces read the same as their ASCII forms. Command words are
// case-sensitive.
//
// Session drives the interactive loop: it prints a prompt, submits each
// parsed request and echoes the assigned sequence ID.
package ingest

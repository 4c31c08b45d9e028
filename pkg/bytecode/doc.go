// Package bytecode implements the crouton wire format: the opcode table
// (C3), a builder-side Chunk the compiler appends to, and a validating
// Load that the runtime trusts to have already rejected every malformed
// document before a single instruction executes.
package bytecode

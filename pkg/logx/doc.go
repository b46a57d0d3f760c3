// Package logx is lotwatch's structured logger: a thin layer over zerolog
// whose outputs can be swapped at runtime by config reloads.
//
// Console output is human readable; the optional file sink is JSON with
// warn and error lines rate limited.
package logx

// Package watch selects instrument files by filename and streams them.
//
// Files are named <handle>..._<freq>Hz_<num>.<ext> (one or two underscores
// may separate the frequency and the number). A Scanner polls a directory,
// sends each newly matching file through a Sender in file-number order, and
// remembers what it has sent.
package watch

/*
The sync package keeps the local mirror in step with the remote repository.

A refresh always replaces the whole mirror:
1) The remote's archive is streamed into the staging area.
2) The archive is extracted next to it, dropping the wrapper directory that
   code hosts add.
3) The extracted tree is swapped in as the live mirror in a single rename.
4) The sync timestamp is recorded.

A failure in steps 1 or 2 leaves the previous mirror untouched. The timestamp
is written last, so a crash before it makes the next check refresh again.

Refreshes are serialized by the Coordinator. Readers never take its lock.
They read the live mirror directly, and the swap guarantees that they see
either the old tree or the new one.

Staleness is decided from the sync timestamp. If there isn't one, a refresh is
needed. If it's younger than the debounce window, the remote isn't asked.
Otherwise the remote's modification time is compared against it.
*/
package sync

// Package clock provides the vector clock used to version gossip. Every
// node that changes the membership view increments its own counter, which
// lets receivers tell whether an incoming view is older, newer, identical or
// concurrent with their own and merge accordingly.
package clock

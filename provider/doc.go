/*
Package provider defines the interface between the timetable engine and the
pluggable timetable providers it coordinates.

A provider fetches and parses departure/arrival/journey/stop data for one
transit network. The engine never constructs providers directly: it asks a
Factory (selected by the definition's Type) to build one, and the registry in
the root package validates, pools and evicts the resulting handles.

Providers advertise what they can do through Features(). The engine checks
the capability set before dispatching a kind-specific fetch, so a provider
only has to implement the calls it advertises; the rest may return
ErrUnsupported.

All fetch operations take a context. A provider that performs long imports
must check the context at its checkpoints so a destroyed handle can abort an
outstanding operation instead of hanging its subscribers.
*/
package provider

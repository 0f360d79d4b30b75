package peer

import "strings"

// quirk describes a client-side limitation the Peer compensates for at
// ACTIVATED (spec §4.3: "apply client-dir quirks (disable RemoteFX/NSC for
// known thin clients)"). Grounded on the original source's thin-client
// table, which keys off the same client build/vendor string this package
// reads out of CapabilitiesPDU.ClientBuild.
type quirk struct {
	match           string
	disableRemoteFX bool
	disableNSC      bool
}

var thinClientQuirks = []quirk{
	{match: "FreeRDP", disableRemoteFX: false, disableNSC: false},
	{match: "Wyse", disableRemoteFX: true, disableNSC: false},
	{match: "Dell-TC", disableRemoteFX: true, disableNSC: false},
	{match: "10ZiG", disableRemoteFX: true, disableNSC: true},
	{match: "IGEL", disableRemoteFX: false, disableNSC: true},
	{match: "mstsc.exe 5.", disableRemoteFX: true, disableNSC: true},
}

// applyQuirks mutates settings in place for any matching entry in the
// thin-client table, keyed by a case-insensitive substring match against
// the client's announced build string.
func applyQuirks(build string, remoteFX, nsc *bool) {
	lower := strings.ToLower(build)
	for _, q := range thinClientQuirks {
		if strings.Contains(lower, strings.ToLower(q.match)) {
			if q.disableRemoteFX {
				*remoteFX = false
			}
			if q.disableNSC {
				*nsc = false
			}
		}
	}
}

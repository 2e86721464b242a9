package app

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/confer/internal/call"
	"github.com/1ureka/confer/internal/util"
)

// peersView prints the remote peers as a table whenever the set of peers or
// their track counts change.
type peersView struct {
	mu   sync.Mutex
	last string
}

func (v *peersView) Render(peers []call.Peer) {
	rows := tableRows(peers)
	key := fmt.Sprint(rows)

	v.mu.Lock()
	defer v.mu.Unlock()
	if key == v.last {
		return
	}
	v.last = key

	if len(peers) == 0 {
		pterm.Info.Println("waiting for participants...")
		return
	}
	data := append(pterm.TableData{{"Peer", "Name", "Tracks"}}, rows...)
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		util.LogDebug("render peers: %v", err)
	}
}

func tableRows(peers []call.Peer) [][]string {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		tracks := "-"
		if p.Stream != nil && p.Stream.Len() > 0 {
			kinds := make([]string, 0, 2)
			for _, k := range p.Stream.Kinds() {
				kinds = append(kinds, k.String())
			}
			tracks = strings.Join(kinds, "+")
		}
		rows = append(rows, []string{util.Tag(p.PeerID), p.User.Name, tracks})
	}
	return rows
}

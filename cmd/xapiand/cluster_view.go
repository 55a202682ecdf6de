package main

import (
	"github.com/xapiand/xapiand/pkg/clusterdb"
	"github.com/xapiand/xapiand/pkg/discovery"
	"github.com/xapiand/xapiand/pkg/index"
)

// clusterView adapts a discovery.Server (who is alive right now) and
// a clusterdb.DB (each name's stable placement Idx and address) into
// the index.ClusterView a Resolver needs. disc is set once the
// discovery server exists; ActivePlacements tolerates it being nil
// during the brief window before that, returning just the local node.
type clusterView struct {
	disc *discovery.Server
	cdb  *clusterdb.DB
	self clusterdb.NodeRecord
}

func (v *clusterView) ActivePlacements() []index.NodePlacement {
	active := []index.NodePlacement{{Host: v.self.Host, Port: v.self.Port, Idx: v.self.Idx}}
	if v.disc == nil {
		return active
	}

	records, err := v.cdb.ListNodes()
	if err != nil {
		return active
	}
	byName := make(map[string]clusterdb.NodeRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	for _, n := range v.disc.Nodes() {
		if rec, ok := byName[n.Name]; ok {
			active = append(active, index.NodePlacement{Host: rec.Host, Port: rec.Port, Idx: rec.Idx})
		}
	}
	return active
}

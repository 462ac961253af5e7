package server

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/ecusim/internal/cluster"
	"github.com/shaunagostinho/ecusim/internal/control"
)

// Needle sweep in degrees, centred on 12 o'clock.
const (
	needleMinDeg = -120.0
	needleSpan   = 240.0
)

const clusterTemplate = `<div id="cluster" class="cluster">
  <div class="gauge">
    <div class="needle" style="transform: rotate({{.NeedleDeg}}deg)"></div>
    <div class="readout"><span class="speed">{{.SpeedKmh}}</span><span class="unit">km/h</span></div>
  </div>
  <div class="signals">
    <span class="signal left{{if .TurnLeft}} on{{end}}">&#9664;</span>
    <span class="signal right{{if .TurnRight}} on{{end}}">&#9654;</span>
  </div>
  <ul class="doors">{{range .Doors}}
    <li class="door{{if .Open}} open{{end}}">{{.Name}}</li>{{end}}
  </ul>
  <div class="diag">{{with .Diag}}{{.}}{{else}}no diagnostic response{{end}}</div>
</div>`

type doorView struct {
	Name string
	Open bool
}

type clusterView struct {
	SpeedKmh  uint8
	NeedleDeg float64
	TurnLeft  bool
	TurnRight bool
	Doors     []doorView
	Diag      string
}

func newClusterView(st cluster.State) clusterView {
	v := clusterView{
		SpeedKmh:  st.SpeedKmh,
		NeedleDeg: needleMinDeg + st.Gauge*needleSpan,
		TurnLeft:  st.TurnLeft,
		TurnRight: st.TurnRight,
		Doors:     make([]doorView, control.NumDoors),
	}
	for i, open := range st.Doors {
		v.Doors[i] = doorView{Name: control.DoorNames[i], Open: open}
	}
	if d := st.Diag; d != nil {
		if d.Positive {
			v.Diag = fmt.Sprintf("%04X = %s", d.DID, d.Value)
		} else {
			v.Diag = fmt.Sprintf("service 0x%02X rejected: %s", d.ServiceID, d.Reason)
		}
	}
	return v
}

func (s *Server) renderCluster(st cluster.State) (string, error) {
	var buf strings.Builder
	if err := s.tmpl.Execute(&buf, newClusterView(st)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

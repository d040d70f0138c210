package zcl

import "fmt"

// CommandDirection indicates the direction of a cluster command.
type CommandDirection string

const (
	// DirectionToServer is host to device.
	DirectionToServer CommandDirection = "toServer"
	// DirectionToClient is device to host.
	DirectionToClient CommandDirection = "toClient"
)

// CommandDef defines a cluster-specific command.
type CommandDef struct {
	ID        uint8            `json:"id"`
	Name      string           `json:"name"`
	Direction CommandDirection `json:"direction"`
}

// ClusterDef defines a cluster by its commands. The bridge never reads
// attributes, so none are modelled.
type ClusterDef struct {
	ID       uint16       `json:"id"`
	Name     string       `json:"name"`
	Commands []CommandDef `json:"commands,omitempty"`
}

// FindCommand looks up a command by ID and direction.
func (c *ClusterDef) FindCommand(id uint8, dir CommandDirection) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].ID == id && c.Commands[i].Direction == dir {
			return &c.Commands[i]
		}
	}
	return nil
}

// FindCommandByName looks up a command by name and direction.
func (c *ClusterDef) FindCommandByName(name string, dir CommandDirection) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].Name == name && c.Commands[i].Direction == dir {
			return &c.Commands[i]
		}
	}
	return nil
}

// Validate rejects a definition where one direction reuses an id or a name.
func (c *ClusterDef) Validate() error {
	type key struct {
		dir CommandDirection
		id  uint8
	}
	ids := make(map[key]string)
	names := make(map[string]bool)
	for _, cmd := range c.Commands {
		if cmd.Direction != DirectionToServer && cmd.Direction != DirectionToClient {
			return fmt.Errorf("cluster 0x%04X: command %q has direction %q", c.ID, cmd.Name, cmd.Direction)
		}
		k := key{cmd.Direction, cmd.ID}
		if prev, ok := ids[k]; ok {
			return fmt.Errorf("cluster 0x%04X: command id 0x%02X %s used by %q and %q", c.ID, cmd.ID, cmd.Direction, prev, cmd.Name)
		}
		ids[k] = cmd.Name
		nk := string(cmd.Direction) + "/" + cmd.Name
		if names[nk] {
			return fmt.Errorf("cluster 0x%04X: duplicate command %q %s", c.ID, cmd.Name, cmd.Direction)
		}
		names[nk] = true
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	if c.Commands != nil {
		cp.Commands = make([]CommandDef, len(c.Commands))
		copy(cp.Commands, c.Commands)
	}
	return &cp
}

// Merge adds commands from another definition (for custom overlays).
func (c *ClusterDef) Merge(other *ClusterDef) {
	for _, cmd := range other.Commands {
		if c.FindCommand(cmd.ID, cmd.Direction) == nil {
			c.Commands = append(c.Commands, cmd)
		}
	}
}

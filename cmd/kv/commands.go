package kv

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/larchdb/larch/rpc/common"
)

var (
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check server liveness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	createTableCmd = &cobra.Command{
		Use:   "create-table NAME",
		Short: "Create a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			return c.CreateTable(args[0])
		},
	}

	openTableCmd = &cobra.Command{
		Use:   "open-table NAME",
		Short: "Resolve a table name to its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			id, err := c.OpenTable(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	dropTableCmd = &cobra.Command{
		Use:   "drop-table NAME",
		Short: "Drop a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			return c.DropTable(args[0])
		},
	}

	createCmd = &cobra.Command{
		Use:   "create TABLE-ID VALUE",
		Short: "Create an object under a fresh id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			tableID, err := parseTableID(args[0])
			if err != nil {
				return err
			}
			id, version, err := c.Create(tableID, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("id=%d version=%d\n", id, version)
			return nil
		},
	}

	readCmd = &cobra.Command{
		Use:   "read TABLE-ID OBJECT-ID",
		Short: "Read an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			tableID, objectID, err := parseKey(args)
			if err != nil {
				return err
			}
			data, version, err := c.Read(tableID, objectID, common.RejectRules{})
			if err != nil {
				return err
			}
			fmt.Printf("version=%d value=%s\n", version, data)
			return nil
		},
	}

	writeCmd = &cobra.Command{
		Use:   "write TABLE-ID OBJECT-ID VALUE",
		Short: "Write an object at a specific id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			tableID, objectID, err := parseKey(args)
			if err != nil {
				return err
			}
			version, err := c.Write(tableID, objectID, []byte(args[2]), common.RejectRules{})
			if err != nil {
				return err
			}
			fmt.Printf("version=%d\n", version)
			return nil
		},
	}

	removeCmd = &cobra.Command{
		Use:   "remove TABLE-ID OBJECT-ID",
		Short: "Remove an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			tableID, objectID, err := parseKey(args)
			if err != nil {
				return err
			}
			version, err := c.Remove(tableID, objectID, common.RejectRules{})
			if err != nil {
				return err
			}
			fmt.Printf("version=%d\n", version)
			return nil
		},
	}

	mreadCmd = &cobra.Command{
		Use:   "mread TABLE-ID OBJECT-ID...",
		Short: "Read several objects of one table in a single RPC",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()
			tableID, err := parseTableID(args[0])
			if err != nil {
				return err
			}
			requests := make([]common.ReadObject, 0, len(args)-1)
			for _, arg := range args[1:] {
				objectID, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return err
				}
				requests = append(requests, common.ReadObject{TableID: tableID, ObjectID: objectID})
			}
			results, err := c.MultiRead(requests)
			if err != nil {
				return err
			}
			for i, r := range results {
				if r.Status != common.StatusOK {
					fmt.Printf("%d: %s\n", requests[i].ObjectID, r.Status)
					continue
				}
				fmt.Printf("%d: version=%d value=%s\n", requests[i].ObjectID, r.Version, r.Data)
			}
			return nil
		},
	}
)

func parseTableID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	return uint32(id), err
}

func parseKey(args []string) (uint32, uint64, error) {
	tableID, err := parseTableID(args[0])
	if err != nil {
		return 0, 0, err
	}
	objectID, err := strconv.ParseUint(args[1], 10, 64)
	return tableID, objectID, err
}

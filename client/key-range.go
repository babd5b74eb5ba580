package client

import (
	"context"
	"strings"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
)

type KeyInfoMap map[string]KeyInfo

/*
Returns the keys values, with the prefix removed from the keys
*/
func (m KeyInfoMap) ToValueMap(prefix string) map[string]string {
	values := make(map[string]string)
	for key, info := range m {
		values[strings.TrimPrefix(key, prefix)] = info.Value
	}
	return values
}

/*
Result of a range read. Keys are in the order returned by the server.
*/
type KeyRangeInfo struct {
	Keys     []KeyInfo
	//Revision of the store when the range was read
	Revision int64
	//Whether more keys were left out because of the limit
	More     bool
}

func (info *KeyRangeInfo) ToMap() KeyInfoMap {
	keys := KeyInfoMap(make(map[string]KeyInfo))
	for _, key := range info.Keys {
		keys[key.Key] = key
	}
	return keys
}

/*
Options that get passed to GetKeyRange.
*/
type RangeOptions struct {
	//Maximum number of keys returned. 0 means no limit.
	Limit    int64
	//Sort option: empty for none, a target (key, version, create, mod or value) for
	//ascending order or a target prefixed with '-' for descending order
	SortBy   string
	Revision int64
}

/*
Parses a sort option as described in RangeOptions.
*/
func ParseSortOption(sortBy string) (etcdserverpb.RangeRequest_SortOrder, etcdserverpb.RangeRequest_SortTarget, error) {
	if sortBy == "" {
		return etcdserverpb.RangeRequest_NONE, etcdserverpb.RangeRequest_KEY, nil
	}

	order := etcdserverpb.RangeRequest_ASCEND
	target := sortBy
	if strings.HasPrefix(sortBy, "-") {
		order = etcdserverpb.RangeRequest_DESCEND
		target = sortBy[1:]
	}

	switch strings.ToLower(target) {
	case "key":
		return order, etcdserverpb.RangeRequest_KEY, nil
	case "version":
		return order, etcdserverpb.RangeRequest_VERSION, nil
	case "create":
		return order, etcdserverpb.RangeRequest_CREATE, nil
	case "mod":
		return order, etcdserverpb.RangeRequest_MOD, nil
	case "value":
		return order, etcdserverpb.RangeRequest_VALUE, nil
	}

	return etcdserverpb.RangeRequest_NONE, etcdserverpb.RangeRequest_KEY, &InvalidSortError{SortBy: sortBy}
}

/*
Reads the keys in the range [key, rangeEnd). An empty rangeEnd reads the single key.
*/
func (cli *EtcdClient) GetKeyRange(key string, rangeEnd string, opts RangeOptions) (KeyRangeInfo, error) {
	sortOrder, sortTarget, sortErr := ParseSortOption(opts.SortBy)
	if sortErr != nil {
		return KeyRangeInfo{}, sortErr
	}

	var res *etcdserverpb.RangeResponse
	err := cli.invoke("range", func(ctx context.Context, sess *Session) error {
		var err error
		res, err = sess.KV.Range(ctx, &etcdserverpb.RangeRequest{
			Key:        []byte(key),
			RangeEnd:   []byte(rangeEnd),
			Limit:      opts.Limit,
			Revision:   opts.Revision,
			SortOrder:  sortOrder,
			SortTarget: sortTarget,
		})
		return err
	})
	if err != nil {
		return KeyRangeInfo{}, err
	}

	info := KeyRangeInfo{
		Keys: []KeyInfo{},
		More: res.More,
	}
	if res.Header != nil {
		info.Revision = res.Header.Revision
	}
	for _, kv := range res.Kvs {
		info.Keys = append(info.Keys, keyInfoFromKv(kv))
	}

	return info, nil
}

type DeleteResult struct {
	Deleted  int64
	//Only set if previous keys were requested
	Previous []KeyInfo
	Revision int64
}

func (cli *EtcdClient) deleteRange(key string, rangeEnd string, prevKv bool) (DeleteResult, error) {
	var res *etcdserverpb.DeleteRangeResponse
	err := cli.invoke("delete_range", func(ctx context.Context, sess *Session) error {
		var err error
		res, err = sess.KV.DeleteRange(ctx, &etcdserverpb.DeleteRangeRequest{
			Key:      []byte(key),
			RangeEnd: []byte(rangeEnd),
			PrevKv:   prevKv,
		})
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}

	result := DeleteResult{
		Deleted:  res.Deleted,
		Previous: []KeyInfo{},
	}
	if res.Header != nil {
		result.Revision = res.Header.Revision
	}
	for _, kv := range res.PrevKvs {
		result.Previous = append(result.Previous, keyInfoFromKv(kv))
	}
	return result, nil
}

/*
Deletes the keys in the range [key, rangeEnd), optionally returning their last values.
*/
func (cli *EtcdClient) DeleteKeyRange(key string, rangeEnd string, prevKv bool) (DeleteResult, error) {
	return cli.deleteRange(key, rangeEnd, prevKv)
}

/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

// RDSBehavior must be reset between tests otherwise tests will
// pollute each other.
type RDSBehavior struct {
	DescribeDBInstancesBehavior    MockedFunction[rds.DescribeDBInstancesInput, rds.DescribeDBInstancesOutput]
	DescribeDBClustersBehavior     MockedFunction[rds.DescribeDBClustersInput, rds.DescribeDBClustersOutput]
	StartDBInstanceBehavior        MockedFunction[rds.StartDBInstanceInput, rds.StartDBInstanceOutput]
	StopDBInstanceBehavior         MockedFunction[rds.StopDBInstanceInput, rds.StopDBInstanceOutput]
	StartDBClusterBehavior         MockedFunction[rds.StartDBClusterInput, rds.StartDBClusterOutput]
	StopDBClusterBehavior          MockedFunction[rds.StopDBClusterInput, rds.StopDBClusterOutput]
	DeleteDBSnapshotBehavior       MockedFunction[rds.DeleteDBSnapshotInput, rds.DeleteDBSnapshotOutput]
	AddTagsToResourceBehavior      MockedFunction[rds.AddTagsToResourceInput, rds.AddTagsToResourceOutput]
	RemoveTagsFromResourceBehavior MockedFunction[rds.RemoveTagsFromResourceInput, rds.RemoveTagsFromResourceOutput]
}

// RDSAPI keeps in-memory instance and cluster stores behind the mocked
// operations so that start/stop calls are observable through the describes.
type RDSAPI struct {
	sdk.RDSAPI
	RDSBehavior

	mu        sync.Mutex
	instances map[string]rdstypes.DBInstance
	clusters  map[string]rdstypes.DBCluster
}

func NewRDSAPI() *RDSAPI {
	return &RDSAPI{
		instances: map[string]rdstypes.DBInstance{},
		clusters:  map[string]rdstypes.DBCluster{},
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (r *RDSAPI) Reset() {
	r.DescribeDBInstancesBehavior.Reset()
	r.DescribeDBClustersBehavior.Reset()
	r.StartDBInstanceBehavior.Reset()
	r.StopDBInstanceBehavior.Reset()
	r.StartDBClusterBehavior.Reset()
	r.StopDBClusterBehavior.Reset()
	r.DeleteDBSnapshotBehavior.Reset()
	r.AddTagsToResourceBehavior.Reset()
	r.RemoveTagsFromResourceBehavior.Reset()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = map[string]rdstypes.DBInstance{}
	r.clusters = map[string]rdstypes.DBCluster{}
}

// AddDBInstances seeds the in-memory store.
func (r *RDSAPI) AddDBInstances(instances ...rdstypes.DBInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, instance := range instances {
		r.instances[aws.ToString(instance.DBInstanceIdentifier)] = instance
	}
}

// AddDBClusters seeds the in-memory store.
func (r *RDSAPI) AddDBClusters(clusters ...rdstypes.DBCluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cluster := range clusters {
		r.clusters[aws.ToString(cluster.DBClusterIdentifier)] = cluster
	}
}

// DBInstance returns the stored instance, for assertions on mutations.
func (r *RDSAPI) DBInstance(id string) (rdstypes.DBInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[id]
	return instance, ok
}

// DBCluster returns the stored cluster, for assertions on mutations.
func (r *RDSAPI) DBCluster(id string) (rdstypes.DBCluster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cluster, ok := r.clusters[id]
	return cluster, ok
}

func (r *RDSAPI) DescribeDBInstances(_ context.Context, input *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	return r.DescribeDBInstancesBehavior.Invoke(input, func(*rds.DescribeDBInstancesInput) (*rds.DescribeDBInstancesOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return &rds.DescribeDBInstancesOutput{DBInstances: lo.Values(r.instances)}, nil
	})
}

func (r *RDSAPI) DescribeDBClusters(_ context.Context, input *rds.DescribeDBClustersInput, _ ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	return r.DescribeDBClustersBehavior.Invoke(input, func(*rds.DescribeDBClustersInput) (*rds.DescribeDBClustersOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return &rds.DescribeDBClustersOutput{DBClusters: lo.Values(r.clusters)}, nil
	})
}

func (r *RDSAPI) StartDBInstance(_ context.Context, input *rds.StartDBInstanceInput, _ ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error) {
	return r.StartDBInstanceBehavior.Invoke(input, func(input *rds.StartDBInstanceInput) (*rds.StartDBInstanceOutput, error) {
		instance := r.setInstanceStatus(aws.ToString(input.DBInstanceIdentifier), "starting")
		return &rds.StartDBInstanceOutput{DBInstance: instance}, nil
	})
}

func (r *RDSAPI) StopDBInstance(_ context.Context, input *rds.StopDBInstanceInput, _ ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error) {
	return r.StopDBInstanceBehavior.Invoke(input, func(input *rds.StopDBInstanceInput) (*rds.StopDBInstanceOutput, error) {
		instance := r.setInstanceStatus(aws.ToString(input.DBInstanceIdentifier), "stopping")
		return &rds.StopDBInstanceOutput{DBInstance: instance}, nil
	})
}

func (r *RDSAPI) StartDBCluster(_ context.Context, input *rds.StartDBClusterInput, _ ...func(*rds.Options)) (*rds.StartDBClusterOutput, error) {
	return r.StartDBClusterBehavior.Invoke(input, func(input *rds.StartDBClusterInput) (*rds.StartDBClusterOutput, error) {
		cluster := r.setClusterStatus(aws.ToString(input.DBClusterIdentifier), "starting")
		return &rds.StartDBClusterOutput{DBCluster: cluster}, nil
	})
}

func (r *RDSAPI) StopDBCluster(_ context.Context, input *rds.StopDBClusterInput, _ ...func(*rds.Options)) (*rds.StopDBClusterOutput, error) {
	return r.StopDBClusterBehavior.Invoke(input, func(input *rds.StopDBClusterInput) (*rds.StopDBClusterOutput, error) {
		cluster := r.setClusterStatus(aws.ToString(input.DBClusterIdentifier), "stopping")
		return &rds.StopDBClusterOutput{DBCluster: cluster}, nil
	})
}

func (r *RDSAPI) DeleteDBSnapshot(_ context.Context, input *rds.DeleteDBSnapshotInput, _ ...func(*rds.Options)) (*rds.DeleteDBSnapshotOutput, error) {
	return r.DeleteDBSnapshotBehavior.Invoke(input, func(*rds.DeleteDBSnapshotInput) (*rds.DeleteDBSnapshotOutput, error) {
		return &rds.DeleteDBSnapshotOutput{}, nil
	})
}

func (r *RDSAPI) AddTagsToResource(_ context.Context, input *rds.AddTagsToResourceInput, _ ...func(*rds.Options)) (*rds.AddTagsToResourceOutput, error) {
	return r.AddTagsToResourceBehavior.Invoke(input, func(input *rds.AddTagsToResourceInput) (*rds.AddTagsToResourceOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for id, instance := range r.instances {
			if aws.ToString(instance.DBInstanceArn) != aws.ToString(input.ResourceName) {
				continue
			}
			for _, tag := range input.Tags {
				instance.TagList = append(lo.Reject(instance.TagList, func(t rdstypes.Tag, _ int) bool {
					return aws.ToString(t.Key) == aws.ToString(tag.Key)
				}), tag)
			}
			r.instances[id] = instance
		}
		for id, cluster := range r.clusters {
			if aws.ToString(cluster.DBClusterArn) != aws.ToString(input.ResourceName) {
				continue
			}
			for _, tag := range input.Tags {
				cluster.TagList = append(lo.Reject(cluster.TagList, func(t rdstypes.Tag, _ int) bool {
					return aws.ToString(t.Key) == aws.ToString(tag.Key)
				}), tag)
			}
			r.clusters[id] = cluster
		}
		return &rds.AddTagsToResourceOutput{}, nil
	})
}

func (r *RDSAPI) RemoveTagsFromResource(_ context.Context, input *rds.RemoveTagsFromResourceInput, _ ...func(*rds.Options)) (*rds.RemoveTagsFromResourceOutput, error) {
	return r.RemoveTagsFromResourceBehavior.Invoke(input, func(input *rds.RemoveTagsFromResourceInput) (*rds.RemoveTagsFromResourceOutput, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for id, instance := range r.instances {
			if aws.ToString(instance.DBInstanceArn) != aws.ToString(input.ResourceName) {
				continue
			}
			instance.TagList = lo.Reject(instance.TagList, func(t rdstypes.Tag, _ int) bool {
				return lo.Contains(input.TagKeys, aws.ToString(t.Key))
			})
			r.instances[id] = instance
		}
		for id, cluster := range r.clusters {
			if aws.ToString(cluster.DBClusterArn) != aws.ToString(input.ResourceName) {
				continue
			}
			cluster.TagList = lo.Reject(cluster.TagList, func(t rdstypes.Tag, _ int) bool {
				return lo.Contains(input.TagKeys, aws.ToString(t.Key))
			})
			r.clusters[id] = cluster
		}
		return &rds.RemoveTagsFromResourceOutput{}, nil
	})
}

func (r *RDSAPI) setInstanceStatus(id, status string) *rdstypes.DBInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[id]
	if !ok {
		return nil
	}
	instance.DBInstanceStatus = aws.String(status)
	r.instances[id] = instance
	return &instance
}

func (r *RDSAPI) setClusterStatus(id, status string) *rdstypes.DBCluster {
	r.mu.Lock()
	defer r.mu.Unlock()
	cluster, ok := r.clusters[id]
	if !ok {
		return nil
	}
	cluster.Status = aws.String(status)
	r.clusters[id] = cluster
	return &cluster
}
